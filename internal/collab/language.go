package collab

const pythonTemplate = `# Write your Python code here
def main():
    print("Hello, World!")


if __name__ == "__main__":
    main()
`

const javaScriptTemplate = `// Write your JavaScript code here
function main() {
  console.log("Hello, World!");
}

main();
`

// DefaultTemplate returns the starter document for a freshly created session.
func DefaultTemplate(language Language) string {
	switch language {
	case LanguagePython:
		return pythonTemplate
	case LanguageJavaScript:
		return javaScriptTemplate
	default:
		return ""
	}
}
