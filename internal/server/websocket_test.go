package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// framesUntil collects frames up to and including the first of frameType.
func framesUntil(t *testing.T, conn *websocket.Conn, frameType string) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var frames []map[string]interface{}
	for {
		conn.SetReadDeadline(deadline)
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("did not receive %s frame: %v", frameType, err)
		}
		frames = append(frames, frame)
		if frame["type"] == frameType {
			return frames
		}
	}
}

func containsFrame(frames []map[string]interface{}, frameType string) bool {
	for _, frame := range frames {
		if frame["type"] == frameType {
			return true
		}
	}
	return false
}

type wsRoom struct {
	sessionID          string
	hostConn           *websocket.Conn
	hostParticipantID  string
	guestConn          *websocket.Conn
	guestParticipantID string
}

func openRoom(t *testing.T, server *testServer) wsRoom {
	t.Helper()
	hostToken := server.token("host-1", "Host")
	guestToken := server.token("guest-1", "Guest")

	_, created := server.do(http.MethodPost, "/collab/create-session", hostToken, map[string]string{"language": "python"})
	sessionID := created["sessionId"].(string)

	hostConn := server.dial(hostToken)
	writeFrame(t, hostConn, map[string]interface{}{"type": actionJoinSession, "sessionId": sessionID})
	hostJoined := readUntil(t, hostConn, frameJoined)
	if hostJoined["participantId"] != created["participantId"] {
		t.Fatalf("expected websocket join to reuse host participant, got %v", hostJoined)
	}
	readUntil(t, hostConn, "participant-joined")

	guestConn := server.dial(guestToken)
	writeFrame(t, guestConn, map[string]interface{}{"type": actionJoinSession, "sessionId": sessionID})
	guestJoined := readUntil(t, guestConn, frameJoined)
	readUntil(t, guestConn, "participant-joined")

	announced := payloadOf(t, readUntil(t, hostConn, "participant-joined"))
	participant := announced["participant"].(map[string]interface{})
	if participant["id"] != guestJoined["participantId"] {
		t.Fatalf("expected host to see guest join, got %v", announced)
	}

	return wsRoom{
		sessionID:          sessionID,
		hostConn:           hostConn,
		hostParticipantID:  hostJoined["participantId"].(string),
		guestConn:          guestConn,
		guestParticipantID: guestJoined["participantId"].(string),
	}
}

func TestWebSocketJoinerReceivesOwnParticipantJoined(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	hostToken := server.token("host-1", "Host")
	_, created := server.do(http.MethodPost, "/collab/create-session", hostToken, map[string]string{"language": "python"})
	sessionID := created["sessionId"].(string)

	guestConn := server.dial(server.token("guest-1", "Guest"))
	writeFrame(t, guestConn, map[string]interface{}{"type": actionJoinSession, "sessionId": sessionID})

	frames := framesUntil(t, guestConn, "participant-joined")
	if frames[0]["type"] != frameJoined {
		t.Fatalf("expected joined frame first, got %v", frames)
	}
	joined := payloadOf(t, frames[len(frames)-1])
	participant := joined["participant"].(map[string]interface{})
	if participant["id"] != frames[0]["participantId"] {
		t.Fatalf("expected the guest's own join, got %v", joined)
	}
	if roster := joined["participants"].([]interface{}); len(roster) != 2 {
		t.Fatalf("expected roster of two, got %d: %v", len(roster), roster)
	}
}

func TestWebSocketCodeChangeReachesOthersOnly(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	room := openRoom(t, server)

	writeFrame(t, room.guestConn, map[string]interface{}{
		"type":   actionCodeChange,
		"code":   "print('from guest')",
		"cursor": map[string]int{"line": 1, "column": 2},
	})
	update := payloadOf(t, readUntil(t, room.hostConn, "code-update"))
	if update["code"] != "print('from guest')" || update["participantId"] != room.guestParticipantID {
		t.Fatalf("unexpected code update: %v", update)
	}

	writeFrame(t, room.guestConn, map[string]interface{}{"type": actionSendMessage, "content": "done"})
	guestFrames := framesUntil(t, room.guestConn, "new-message")
	if containsFrame(guestFrames, "code-update") {
		t.Fatalf("sender received its own code update: %v", guestFrames)
	}
	message := payloadOf(t, guestFrames[len(guestFrames)-1])["message"].(map[string]interface{})
	if message["content"] != "done" || message["participantName"] != "Guest" {
		t.Fatalf("unexpected echoed message: %v", message)
	}
	hostMessage := payloadOf(t, readUntil(t, room.hostConn, "new-message"))["message"].(map[string]interface{})
	if hostMessage["id"] != message["id"] {
		t.Fatalf("expected host to receive the same message, got %v", hostMessage)
	}
}

func TestWebSocketVoiceSignalReachesTargetOnly(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	room := openRoom(t, server)

	writeFrame(t, room.guestConn, map[string]interface{}{
		"type":     actionVoiceOffer,
		"targetId": room.hostParticipantID,
		"payload":  map[string]string{"sdp": "v=0"},
	})
	offer := payloadOf(t, readUntil(t, room.hostConn, "voice-offer"))
	if offer["fromParticipantId"] != room.guestParticipantID || offer["toParticipantId"] != room.hostParticipantID {
		t.Fatalf("unexpected offer routing: %v", offer)
	}
	if offer["payload"].(map[string]interface{})["sdp"] != "v=0" {
		t.Fatalf("expected opaque payload to pass through: %v", offer)
	}

	writeFrame(t, room.guestConn, map[string]interface{}{"type": actionSendMessage, "content": "ping"})
	if frames := framesUntil(t, room.guestConn, "new-message"); containsFrame(frames, "voice-offer") {
		t.Fatalf("sender received its own voice offer: %v", frames)
	}

	writeFrame(t, room.guestConn, map[string]interface{}{
		"type":     actionVoiceOffer,
		"targetId": room.guestParticipantID,
		"payload":  map[string]string{},
	})
	failure := readUntil(t, room.guestConn, frameError)
	if failure["code"] != "collab.relay_signal.self_target" {
		t.Fatalf("expected self target rejection, got %v", failure)
	}
}

func TestWebSocketDisconnectAnnouncesParticipantLeft(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	room := openRoom(t, server)

	room.guestConn.Close()

	left := payloadOf(t, readUntil(t, room.hostConn, "participant-left"))
	if left["participantId"] != room.guestParticipantID {
		t.Fatalf("unexpected participant left payload: %v", left)
	}
	for _, value := range left["participants"].([]interface{}) {
		participant := value.(map[string]interface{})
		if participant["id"] == room.guestParticipantID && participant["isActive"] != false {
			t.Fatalf("expected guest to be inactive: %v", participant)
		}
	}
}

func TestWebSocketExplicitLeaveAcknowledges(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	room := openRoom(t, server)

	writeFrame(t, room.guestConn, map[string]interface{}{"type": actionLeaveSession})
	ack := readUntil(t, room.guestConn, frameLeft)
	if ack["sessionId"] != room.sessionID {
		t.Fatalf("unexpected leave ack: %v", ack)
	}
	readUntil(t, room.hostConn, "participant-left")

	writeFrame(t, room.guestConn, map[string]interface{}{"type": actionTyping, "isTyping": true})
	failure := readUntil(t, room.guestConn, frameError)
	if failure["code"] != "ws.invalid_action" {
		t.Fatalf("expected actions after leave to fail, got %v", failure)
	}
}

func TestWebSocketRejectsActionsBeforeJoin(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	conn := server.dial(server.token("u-1", "User"))

	writeFrame(t, conn, map[string]interface{}{"type": actionCodeChange, "code": "x"})
	failure := readUntil(t, conn, frameError)
	if failure["action"] != actionCodeChange || failure["code"] != "ws.invalid_action" {
		t.Fatalf("unexpected error frame: %v", failure)
	}

	writeFrame(t, conn, map[string]interface{}{"type": "dance"})
	if failure := readUntil(t, conn, frameError); failure["code"] != "ws.unknown_action" {
		t.Fatalf("expected unknown action error, got %v", failure)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if failure := readUntil(t, conn, frameError); failure["code"] != "ws.invalid_frame" {
		t.Fatalf("expected invalid frame error, got %v", failure)
	}

	writeFrame(t, conn, map[string]interface{}{"type": actionJoinSession, "sessionId": "missing"})
	if failure := readUntil(t, conn, frameError); failure["code"] != "collab.join_session.session_not_found" {
		t.Fatalf("expected join failure, got %v", failure)
	}
}

func TestWebSocketReadOnlyParticipantCannotEdit(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	room := openRoom(t, server)

	status, _ := server.do(http.MethodPost, "/collab/set-permission", server.token("host-1", "Host"), map[string]string{
		"sessionId": room.sessionID, "participantId": room.guestParticipantID, "permission": "read",
	})
	if status != http.StatusOK {
		t.Fatalf("set permission failed: %d", status)
	}
	changed := payloadOf(t, readUntil(t, room.guestConn, "permission-changed"))
	if changed["participantId"] != room.guestParticipantID || changed["permission"] != "read" {
		t.Fatalf("unexpected permission change: %v", changed)
	}

	writeFrame(t, room.guestConn, map[string]interface{}{"type": actionCodeChange, "code": "blocked"})
	failure := readUntil(t, room.guestConn, frameError)
	if failure["code"] != "collab.update_code.read_only" || failure["error"] != "forbidden" {
		t.Fatalf("expected read-only error frame, got %v", failure)
	}
	expectNoFrame(t, room.hostConn, "code-update", 200*time.Millisecond)
}

func TestWebSocketUpgradeRequiresToken(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	url := "ws" + strings.TrimPrefix(server.server.URL, "http") + "/collab/ws"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail without a token")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", response)
	}
}
