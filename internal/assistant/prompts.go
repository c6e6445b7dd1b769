package assistant

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
)

func questionPrompt(topic string, difficulty Difficulty) string {
	return fmt.Sprintf(`Create a %s coding interview problem about %q.
Respond with a single JSON object with the fields:
"title" (string), "description" (string), "examples" (array of {"input", "output", "explanation"}),
"constraints" (array of strings), "hints" (array of strings).`, difficulty, topic)
}

func analysisPrompt(language collab.Language, source string) string {
	return fmt.Sprintf(`Review the following %s program written by a student.
Respond with a single JSON object with the fields:
"summary" (string), "timeComplexity" (string), "spaceComplexity" (string), "score" (integer 0-100),
"strengths" (array of strings), "improvements" (array of strings), "bugs" (array of strings).

Program:
%s`, language, source)
}

func fallbackQuestion(topic string, difficulty Difficulty) Question {
	return Question{
		Title:       "Two Sum",
		Description: "Given an array of integers nums and an integer target, return the indices of the two numbers that add up to target. Each input has exactly one solution and the same element may not be used twice.",
		Difficulty:  difficulty,
		Topic:       topic,
		Examples: []Example{
			{Input: "nums = [2,7,11,15], target = 9", Output: "[0,1]", Explanation: "nums[0] + nums[1] == 9"},
		},
		Constraints: []string{"2 <= nums.length <= 10^4", "-10^9 <= nums[i] <= 10^9"},
		Hints:       []string{"A hash map from value to index finds the complement in one pass."},
	}
}

func fallbackAnalysis() Analysis {
	return Analysis{
		Summary:         "Automatic analysis is unavailable right now. Run the program against the examples and review edge cases manually.",
		TimeComplexity:  "unknown",
		SpaceComplexity: "unknown",
		Strengths:       []string{},
		Improvements:    []string{"Test with empty input and boundary values."},
		Bugs:            []string{},
	}
}
