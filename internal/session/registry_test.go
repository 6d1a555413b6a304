package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"agentchat/internal/platform"
	"agentchat/internal/protocol"
	"agentchat/internal/transport"
)

func TestRegistryEndToEndScenario(t *testing.T) {
	conn := newFakeConn()
	r := NewRegistry(conn, Options{})
	defer r.Close()

	key := r.CreateSession("conv-1", "agent-1")
	if again := r.CreateSession("conv-1", "agent-1"); again != key {
		t.Fatalf("CreateSession not idempotent: %q vs %q", again, key)
	}
	if err := r.Connect(key, "ws://backend/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := mustSnapshot(t, r, key).Connection.Status; got != transport.StatusConnecting {
		t.Fatalf("expected connecting, got %s", got)
	}
	if len(conn.connects) != 1 || conn.connects[0] != "ws://backend/ws" {
		t.Fatalf("unexpected transport connects %v", conn.connects)
	}

	conn.setStatus(transport.StatusConnected)
	hello := conn.waitSent(t)
	if hello.Tag != protocol.TagSessionConnect || string(hello.Payload) != `["conv-1","agent-1"]` {
		t.Fatalf("unexpected handshake %s %s", hello.Tag, hello.Payload)
	}

	conn.deliver(`{"message_type":"session_connected","data":{}}`)
	if fetch := conn.waitSent(t); fetch.Tag != protocol.TagFetchContextMessages {
		t.Fatalf("expected history request, got %s", fetch.Tag)
	}
	conn.deliver(`{"message_type":"fetch_context_messages","data":[` + historyItem("2", agentContent("earlier")) + `]}`)

	msg, err := r.SendMessage(context.Background(), key, "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !protocol.IsTemporaryID(msg.ID) {
		t.Fatalf("optimistic message should carry a temporary id, got %q", msg.ID)
	}
	snap := mustSnapshot(t, r, key)
	if snap.Execution != ExecutionStarting {
		t.Fatalf("expected starting, got %s", snap.Execution)
	}
	if ids := messageIDs(snap); len(ids) != 2 || ids[0] != "2" || ids[1] != msg.ID {
		t.Fatalf("unexpected optimistic log %v", ids)
	}
	if sent := conn.waitSent(t); sent.Tag != protocol.TagMessageInput || string(sent.Payload) != `"hello"` {
		t.Fatalf("unexpected outbound %s %s", sent.Tag, sent.Payload)
	}

	conn.deliver(conversationFrame("3", userContent("hello")))
	conn.deliver(conversationFrame("4", agentContent("hi there")))

	snap = mustSnapshot(t, r, key)
	if got := strings.Join(messageIDs(snap), ","); got != "2,3,4" {
		t.Fatalf("unexpected final ids %s", got)
	}
	if snap.Messages[1].Content != "hello" || snap.Messages[1].Role != RoleUser {
		t.Fatalf("echo did not replace optimistic entry: %#v", snap.Messages[1])
	}
	if snap.Execution != ExecutionIdle {
		t.Fatalf("expected idle, got %s", snap.Execution)
	}
}

func TestHistoryIsOrderedNumerically(t *testing.T) {
	cases := []struct {
		name string
		ids  []string
		want string
	}{
		{name: "small", ids: []string{"5", "1", "3"}, want: "1,3,5"},
		{name: "different_lengths", ids: []string{"100", "20", "3"}, want: "3,20,100"},
		{name: "snowflakes", ids: []string{"1234567890123456790", "999999999999999999", "1234567890123456789"}, want: "999999999999999999,1234567890123456789,1234567890123456790"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, conn, key := connectedRegistry(t, Options{})
			items := make([]string, 0, len(tc.ids))
			for _, id := range tc.ids {
				items = append(items, historyItem(id, agentContent("m"+id)))
			}
			conn.deliver(`{"message_type":"fetch_context_messages","data":[` + strings.Join(items, ",") + `]}`)
			snap := mustSnapshot(t, r, key)
			if got := strings.Join(messageIDs(snap), ","); got != tc.want {
				t.Fatalf("got order %s, want %s", got, tc.want)
			}
			if snap.OldestID.String() != strings.Split(tc.want, ",")[0] {
				t.Fatalf("unexpected oldest cursor %q", snap.OldestID)
			}
		})
	}
}

func TestRedeliveryNeverDuplicates(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	history := `{"message_type":"fetch_context_messages","data":[` +
		historyItem("1", userContent("q")) + "," +
		historyItem("2", agentContent("a")) + "," +
		historyItem("2", agentContent("a, edited")) + `]}`

	conn.deliver(history)
	conn.deliver(history)
	conn.deliver(conversationFrame("2", agentContent("a, final")))
	conn.deliver(conversationFrame("1", userContent("q")))
	conn.deliver(conversationFrame("5", `{"message_type":"assistant_ideation","reasoning_summary":"hmm"}`))
	conn.deliver(conversationFrame("5", `{"message_type":"assistant_ideation","reasoning_summary":"hmm"}`))

	snap := mustSnapshot(t, r, key)
	seen := make(map[string]bool)
	for _, m := range snap.Messages {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s in %v", m.ID, messageIDs(snap))
		}
		seen[m.ID] = true
	}
	if got := strings.Join(messageIDs(snap), ","); got != "1,2,5" {
		t.Fatalf("unexpected ids %s", got)
	}
	if m, _ := snap.Message("2"); m.Content != "a, final" {
		t.Fatalf("redelivery should update in place, got %q", m.Content)
	}
}

func TestStreamingChunksAccumulate(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	if _, err := r.SendMessage(context.Background(), key, "hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	for _, chunk := range []string{"Hel", "lo ", "world"} {
		conn.deliver(fmt.Sprintf(`{"message_type":"new_message_chunk","data":{"chunk":%q}}`, chunk))
	}

	snap := mustSnapshot(t, r, key)
	var assistant []Message
	for _, m := range snap.Messages {
		if m.Role == RoleAssistant {
			assistant = append(assistant, m)
		}
	}
	if len(assistant) != 1 || assistant[0].Content != "Hello world" {
		t.Fatalf("expected one streamed message, got %#v", assistant)
	}
	if snap.StreamingMessageID != assistant[0].ID || snap.StreamingContent != "Hello world" {
		t.Fatalf("unexpected streaming state %q %q", snap.StreamingMessageID, snap.StreamingContent)
	}
	if snap.Messages[len(snap.Messages)-1].ID != snap.StreamingMessageID {
		t.Fatalf("streaming message must be last")
	}
	if snap.Execution != ExecutionRunning {
		t.Fatalf("chunks should move the turn to running, got %s", snap.Execution)
	}

	// A log event during streaming lands before the open message.
	conn.deliver(conversationFrame("9", `{"message_type":"assistant_ideation","reasoning_summary":"checking"}`))
	snap = mustSnapshot(t, r, key)
	if snap.Messages[len(snap.Messages)-1].ID != snap.StreamingMessageID {
		t.Fatalf("streaming message must stay last, got %v", messageIDs(snap))
	}

	conn.deliver(`{"message_type":"execution_complete","data":{}}`)
	snap = mustSnapshot(t, r, key)
	if snap.StreamingMessageID != "" || snap.Execution != ExecutionIdle {
		t.Fatalf("completion should clear streaming, got %q %s", snap.StreamingMessageID, snap.Execution)
	}
	conn.deliver(`{"message_type":"new_message_chunk","data":{"chunk":"next"}}`)
	snap = mustSnapshot(t, r, key)
	if snap.StreamingContent != "next" {
		t.Fatalf("a new turn should open a new streaming message, got %q", snap.StreamingContent)
	}
}

func TestAgentResponseFinalisesStream(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	if _, err := r.SendMessage(context.Background(), key, "hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	conn.deliver(`{"message_type":"new_message_chunk","data":{"chunk":"Hel"}}`)
	conn.deliver(conversationFrame("7", agentContent("Hello")))

	snap := mustSnapshot(t, r, key)
	var assistant []Message
	for _, m := range snap.Messages {
		if m.Role == RoleAssistant {
			assistant = append(assistant, m)
		}
	}
	if len(assistant) != 1 || assistant[0].ID != "7" || assistant[0].Content != "Hello" {
		t.Fatalf("stream should be finalised under the backend id, got %#v", assistant)
	}
	if snap.StreamingMessageID != "" || snap.Execution != ExecutionIdle {
		t.Fatalf("unexpected state %q %s", snap.StreamingMessageID, snap.Execution)
	}
}

func TestExecutionStatusMachine(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	ctx := context.Background()

	if _, err := r.SendMessage(ctx, key, "hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := mustSnapshot(t, r, key).Execution; got != ExecutionStarting {
		t.Fatalf("send should start the turn, got %s", got)
	}
	conn.deliver(conversationFrame("10", `{"message_type":"assistant_acknowledgment","acknowledgment_message":"On it"}`))
	if got := mustSnapshot(t, r, key).Execution; got != ExecutionRunning {
		t.Fatalf("acknowledgment should move to running, got %s", got)
	}
	conn.deliver(`{"message_type":"execution_complete","data":{}}`)
	if got := mustSnapshot(t, r, key).Execution; got != ExecutionIdle {
		t.Fatalf("complete should return to idle, got %s", got)
	}

	conn.deliver(conversationFrame("11", `{"message_type":"user_input_request","question":"Which file?","input_type":"select","options":["a","b"]}`))
	snap := mustSnapshot(t, r, key)
	if snap.Execution != ExecutionWaitingForInput {
		t.Fatalf("input request should wait for input, got %s", snap.Execution)
	}
	if snap.ActiveInputRequest == nil || snap.ActiveInputRequest.ID != "11" {
		t.Fatalf("expected active input request 11, got %#v", snap.ActiveInputRequest)
	}
	req := snap.ActiveInputRequest.Metadata.InputRequest
	if req.Question != "Which file?" || req.InputType != protocol.InputSelect || len(req.Options) != 2 {
		t.Fatalf("unexpected descriptor %#v", req)
	}
	conn.drain(t)

	if _, err := r.SubmitInput(ctx, key, "a"); err != nil {
		t.Fatalf("SubmitInput failed: %v", err)
	}
	snap = mustSnapshot(t, r, key)
	if snap.Execution != ExecutionRunning || snap.ActiveInputRequest != nil {
		t.Fatalf("answer should resume running, got %s %#v", snap.Execution, snap.ActiveInputRequest)
	}
	if sent := conn.waitSent(t); sent.Tag != protocol.TagUserInputResponse || string(sent.Payload) != `"a"` {
		t.Fatalf("unexpected outbound %s %s", sent.Tag, sent.Payload)
	}
	if _, err := r.SubmitInput(ctx, key, "again"); !errors.Is(err, ErrNoPendingInput) {
		t.Fatalf("expected ErrNoPendingInput, got %v", err)
	}

	if err := r.CancelExecution(ctx, key); err != nil {
		t.Fatalf("CancelExecution failed: %v", err)
	}
	snap = mustSnapshot(t, r, key)
	if snap.Execution != ExecutionIdle {
		t.Fatalf("cancel should flip to idle at once, got %s", snap.Execution)
	}
	if sent := conn.waitSent(t); sent.Tag != protocol.TagCancelExecution {
		t.Fatalf("expected cancel frame, got %s", sent.Tag)
	}
	conn.deliver(`{"message_type":"execution_cancelled","data":{}}`)
	if again := mustSnapshot(t, r, key); again.Version != snap.Version || again.Execution != ExecutionIdle {
		t.Fatalf("backend cancel after local cancel should be a no-op")
	}

	if _, err := r.SendMessage(ctx, key, "retry"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	conn.deliver(`{"message_type":"execution_error","data":{"error":"model overloaded"}}`)
	snap = mustSnapshot(t, r, key)
	last := snap.Messages[len(snap.Messages)-1]
	if snap.Execution != ExecutionFailed || last.Role != RoleSystem || last.Content != "model overloaded" {
		t.Fatalf("error should fail the turn with a system message, got %s %#v", snap.Execution, last)
	}
	if last.Metadata == nil || last.Metadata.Kind != MetadataError || snap.LastError != "model overloaded" {
		t.Fatalf("unexpected error entry %#v", last.Metadata)
	}
}

func TestBackendExecutionStatusMapping(t *testing.T) {
	cases := []struct {
		backend string
		want    ExecutionStatus
	}{
		{backend: "Idle", want: ExecutionIdle},
		{backend: "Starting", want: ExecutionStarting},
		{backend: "Running", want: ExecutionRunning},
		{backend: "WaitingForInput", want: ExecutionWaitingForInput},
		{backend: "Completed", want: ExecutionCompleted},
		{backend: "Failed", want: ExecutionFailed},
		{backend: "Cancelled", want: ExecutionFailed},
	}
	for _, tc := range cases {
		t.Run(strings.ToLower(tc.backend), func(t *testing.T) {
			r, conn, key := connectedRegistry(t, Options{})
			conn.deliver(fmt.Sprintf(`{"message_type":"execution_status","data":{"status":%q}}`, tc.backend))
			if got := mustSnapshot(t, r, key).Execution; got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestHistoryRestoresWaitingForInput(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	conn.deliver(`{"message_type":"fetch_context_messages","data":[` +
		historyItem("1", userContent("deploy")) + "," +
		historyItem("2", `{"message_type":"user_input_request","question":"Which env?","input_type":"weird"}`) + `]}`)

	snap := mustSnapshot(t, r, key)
	if snap.Execution != ExecutionWaitingForInput {
		t.Fatalf("expected waiting_for_input after history, got %s", snap.Execution)
	}
	if snap.ActiveInputRequest == nil || snap.ActiveInputRequest.Metadata.InputRequest.InputType != protocol.InputText {
		t.Fatalf("unknown input type should degrade to text, got %#v", snap.ActiveInputRequest)
	}

	r2, conn2, key2 := connectedRegistry(t, Options{})
	conn2.deliver(`{"message_type":"fetch_context_messages","data":[` +
		historyItem("1", `{"message_type":"user_input_request","question":"Which env?","input_type":"text"}`) + "," +
		historyItem("2", userContent("prod")) + `]}`)
	if got := mustSnapshot(t, r2, key2).Execution; got != ExecutionIdle {
		t.Fatalf("answered request must not restore waiting, got %s", got)
	}
}

func TestHistoryReplaceKeepsUnconfirmedMessages(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	msg, err := r.SendMessage(context.Background(), key, "pending one")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	conn.deliver(`{"message_type":"fetch_context_messages","data":[` + historyItem("1", agentContent("old")) + `]}`)
	if got := strings.Join(messageIDs(mustSnapshot(t, r, key)), ","); got != "1,"+msg.ID {
		t.Fatalf("unconfirmed message should survive a refresh, got %s", got)
	}

	conn.deliver(`{"message_type":"fetch_context_messages","data":[` +
		historyItem("1", agentContent("old")) + "," +
		historyItem("2", userContent("pending one")) + `]}`)
	if got := strings.Join(messageIDs(mustSnapshot(t, r, key)), ","); got != "1,2" {
		t.Fatalf("confirmed message should be retired, got %s", got)
	}
}

func TestLoadOlderMessagesPrepends(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	ctx := context.Background()
	conn.deliver(`{"message_type":"fetch_context_messages","data":[` +
		historyItem("10", agentContent("ten")) + "," + historyItem("11", agentContent("eleven")) + `]}`)

	ok, err := r.LoadOlderMessages(ctx, key, 2)
	if err != nil || !ok {
		t.Fatalf("LoadOlderMessages = %v, %v", ok, err)
	}
	sent := conn.waitSent(t)
	if sent.Tag != protocol.TagFetchContextMessages || string(sent.Payload) != `{"before_id":"10","limit":2}` {
		t.Fatalf("unexpected page request %s %s", sent.Tag, sent.Payload)
	}

	conn.deliver(`{"message_type":"fetch_context_messages","data":{"before_id":"10","messages":[` +
		historyItem("9", agentContent("nine")) + "," + historyItem("8", agentContent("eight")) + `]}}`)
	snap := mustSnapshot(t, r, key)
	if got := strings.Join(messageIDs(snap), ","); got != "8,9,10,11" {
		t.Fatalf("unexpected order after prepend %s", got)
	}
	if snap.OldestID != "8" || !snap.HasOlder {
		t.Fatalf("unexpected cursor %q has_older=%v", snap.OldestID, snap.HasOlder)
	}

	// A page without an echoed cursor is still treated as older.
	if _, err := r.LoadOlderMessages(ctx, key, 2); err != nil {
		t.Fatalf("LoadOlderMessages failed: %v", err)
	}
	conn.drain(t)
	conn.deliver(`{"message_type":"fetch_context_messages","data":[]}`)
	snap = mustSnapshot(t, r, key)
	if snap.HasOlder || len(snap.Messages) != 4 {
		t.Fatalf("empty page should end pagination, got has_older=%v len=%d", snap.HasOlder, len(snap.Messages))
	}
	if ok, err := r.LoadOlderMessages(ctx, key, 2); ok || err != nil {
		t.Fatalf("nothing older should be fetched, got %v %v", ok, err)
	}
}

func TestLogEventsAreSummarised(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	conn.deliver(conversationFrame("1", `{"message_type":"assistant_task_breakdown","tasks":[{"description":"read"},{"description":"write"}]}`))
	conn.deliver(conversationFrame("2", `{"message_type":"assistant_validation","validation_status":"failed","reasoning":"tests red","next_action":"abort"}`))
	conn.deliver(conversationFrame("3", `{"message_type":"system_decision","decision":"route"}`))
	conn.deliver(conversationFrame("4", `{"message_type":"assistant_daydream","mood":"calm"}`))

	snap := mustSnapshot(t, r, key)
	if got := strings.Join(messageIDs(snap), ","); got != "1,2,4" {
		t.Fatalf("system_decision must not render, got %s", got)
	}
	if m := snap.Messages[0]; !m.IsLog() || m.Metadata.LogType != "assistant_task_breakdown" || m.Content != "Breaking down into 2 tasks: read; write" {
		t.Fatalf("unexpected breakdown entry %#v", m)
	}
	if snap.LastError == "" || !strings.Contains(snap.LastError, "aborting") {
		t.Fatalf("abort validation should record an error, got %q", snap.LastError)
	}
	if m := snap.Messages[2]; m.Role != RoleSystem || !strings.Contains(m.Content, "assistant_daydream") || !strings.Contains(m.Content, "calm") {
		t.Fatalf("unknown sub-type should fall back to the payload, got %#v", m)
	}
	if snap.Execution != ExecutionIdle {
		t.Fatalf("log events must not change an idle turn, got %s", snap.Execution)
	}
}

func TestUnknownFrameRendersFallback(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	conn.deliver(`{"message_type":"future_thing","data":{"x":1}}`)
	conn.deliver(`not json`)

	snap := mustSnapshot(t, r, key)
	if len(snap.Messages) != 1 {
		t.Fatalf("expected one fallback message, got %v", messageIDs(snap))
	}
	if m := snap.Messages[0]; m.Role != RoleSystem || !strings.HasPrefix(m.Content, "[future_thing]") {
		t.Fatalf("unexpected fallback %#v", m)
	}
}

func TestHandshakeResentOnReconnect(t *testing.T) {
	conn := newFakeConn()
	r := NewRegistry(conn, Options{})
	defer r.Close()
	key := r.CreateSession("c", "a")
	if err := r.Connect(key, "ws://x"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conn.setStatus(transport.StatusConnected)
	conn.setStatus(transport.StatusConnected)
	conn.setStatus(transport.StatusError)
	conn.setStatus(transport.StatusDisconnected)
	conn.setStatus(transport.StatusConnecting)
	conn.setStatus(transport.StatusConnected)

	got := tags(conn.drain(t))
	if strings.Join(got, ",") != "session_connect,session_connect" {
		t.Fatalf("expected one handshake per connection, got %v", got)
	}
}

func TestSwitchingActiveSessionKeepsSocket(t *testing.T) {
	r, conn, first := connectedRegistry(t, Options{})
	second := r.CreateSession("conv-2", "agent-1")
	if err := r.Connect(second, "ws://backend/ws"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sent := conn.drain(t)
	if len(sent) != 1 || sent[0].Tag != protocol.TagSessionConnect || string(sent[0].Payload) != `["conv-2","agent-1"]` {
		t.Fatalf("second session should handshake on the open socket, got %v", tags(sent))
	}
	if r.ActiveSession() != second {
		t.Fatalf("unexpected active session %s", r.ActiveSession())
	}
	if got := mustSnapshot(t, r, first).Connection.Status; got != transport.StatusDisconnected {
		t.Fatalf("inactive session should read disconnected, got %s", got)
	}
	if got := mustSnapshot(t, r, second).Connection.Status; got != transport.StatusConnected {
		t.Fatalf("active session should read connected, got %s", got)
	}

	conn.deliver(conversationFrame("1", agentContent("for second")))
	if len(mustSnapshot(t, r, first).Messages) != 0 || len(mustSnapshot(t, r, second).Messages) != 1 {
		t.Fatalf("frames must reach only the active session")
	}
	if _, err := r.SendMessage(context.Background(), first, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("inactive session must not send, got %v", err)
	}

	if err := r.Disconnect(second); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if msgs, states := conn.subscribers(); msgs != 0 || states != 0 {
		t.Fatalf("disconnect should unsubscribe, got %d/%d", msgs, states)
	}
	if conn.State().Status != transport.StatusConnected {
		t.Fatalf("disconnect must not close the shared socket")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	conn := newFakeConn()
	r := NewRegistry(conn, Options{})
	defer r.Close()
	key := r.CreateSession("c", "a")

	if _, err := r.SendMessage(context.Background(), key, "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := r.SendMessage(context.Background(), "nope:x", "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, err := r.SendMessage(context.Background(), key, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(mustSnapshot(t, r, key).Messages) != 0 {
		t.Fatalf("failed sends must not add messages")
	}
}

func TestCorrelationIDsMatchEchoes(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{CorrelationIDs: true})
	first, err := r.SendMessage(context.Background(), key, "same")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	second, err := r.SendMessage(context.Background(), key, "same")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	sent := conn.drain(t)
	var data struct {
		ClientMessageID string `json:"client_message_id"`
	}
	if err := json.Unmarshal(sent[0].Data, &data); err != nil || data.ClientMessageID != first.ID {
		t.Fatalf("expected client_message_id %q in %s", first.ID, sent[0].Data)
	}

	conn.deliver(conversationFrame("20", fmt.Sprintf(`{"message_type":"user_message","message":"same","client_message_id":%q}`, first.ID)))
	conn.deliver(conversationFrame("21", fmt.Sprintf(`{"message_type":"user_message","message":"same","client_message_id":%q}`, second.ID)))

	if got := strings.Join(messageIDs(mustSnapshot(t, r, key)), ","); got != "20,21" {
		t.Fatalf("identical rapid sends should both reconcile, got %s", got)
	}
}

func TestPlatformFunctionThrowingHandlerRepliesOnce(t *testing.T) {
	bridge := platform.NewBridge(platform.Options{})
	bridge.RegisterFunc("host.explode", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("kaboom")
	})
	r, conn, _ := connectedRegistry(t, Options{Bridge: bridge})
	_ = r

	conn.deliver(`{"message_type":"platform_function","data":{"function_name":"host.explode","function_data":{"parameters":{},"execution_id":"exec-42"}}}`)
	bridge.Wait()

	sent := conn.drain(t)
	if len(sent) != 1 || sent[0].Tag != protocol.TagPlatformFunctionResult {
		t.Fatalf("expected exactly one result frame, got %v", tags(sent))
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(sent[0].Payload, &pair); err != nil || len(pair) != 2 {
		t.Fatalf("unexpected payload %s", sent[0].Payload)
	}
	var body map[string]string
	_ = json.Unmarshal(pair[1], &body)
	if string(pair[0]) != `"exec-42"` || !strings.Contains(body["error"], "kaboom") {
		t.Fatalf("unexpected result %s", sent[0].Payload)
	}

	conn.deliver(`{"message_type":"platform_function","data":{"function_name":"missing","function_data":{"execution_id":"exec-43"}}}`)
	sent = conn.drain(t)
	if len(sent) != 1 || !strings.Contains(string(sent[0].Payload), "no handler registered") {
		t.Fatalf("missing handler should be answered immediately, got %v", sent)
	}
}

func TestPlatformEventReachesHost(t *testing.T) {
	var mu sync.Mutex
	var labels []string
	r, conn, key := connectedRegistry(t, Options{OnPlatformEvent: func(label string, data json.RawMessage) {
		mu.Lock()
		labels = append(labels, label+" "+string(data))
		mu.Unlock()
	}})
	before := mustSnapshot(t, r, key).Version
	conn.deliver(`{"message_type":"platform_event","data":{"event_label":"open_url","event_data":{"url":"https://example.com"}}}`)

	mu.Lock()
	defer mu.Unlock()
	if len(labels) != 1 || labels[0] != `open_url {"url":"https://example.com"}` {
		t.Fatalf("unexpected host events %v", labels)
	}
	if mustSnapshot(t, r, key).Version != before {
		t.Fatalf("platform events must not touch the session")
	}
}

func TestSubscribeReplaysAndOrdersVersions(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	var versions []uint64
	unsub, err := r.Subscribe(key, func(s Snapshot) { versions = append(versions, s.Version) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("subscribe should replay the current snapshot")
	}
	conn.deliver(conversationFrame("1", agentContent("a")))
	conn.deliver(conversationFrame("2", agentContent("b")))
	unsub()
	conn.deliver(conversationFrame("3", agentContent("c")))

	if len(versions) != 3 {
		t.Fatalf("expected 3 snapshots, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions must increase: %v", versions)
		}
	}
	if _, err := r.Subscribe("missing:x", func(Snapshot) {}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

type manualTimers struct {
	mu    sync.Mutex
	fns   []func()
	delay []time.Duration
}

func (m *manualTimers) schedule(d time.Duration, fn func()) func() {
	m.mu.Lock()
	m.fns = append(m.fns, fn)
	m.delay = append(m.delay, d)
	m.mu.Unlock()
	return func() {}
}

func (m *manualTimers) fireLast() {
	m.mu.Lock()
	fn := m.fns[len(m.fns)-1]
	m.mu.Unlock()
	fn()
}

func (m *manualTimers) fireFirst() {
	m.mu.Lock()
	fn := m.fns[0]
	m.mu.Unlock()
	fn()
}

func TestTurnWatchdog(t *testing.T) {
	timers := &manualTimers{}
	r, conn, key := connectedRegistry(t, Options{TurnTimeout: time.Minute, Schedule: timers.schedule})

	if _, err := r.SendMessage(context.Background(), key, "hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	conn.deliver(`{"message_type":"new_message_chunk","data":{"chunk":"Hel"}}`)
	if len(timers.fns) < 2 || timers.delay[0] != time.Minute {
		t.Fatalf("frames should re-arm the watchdog, got %d timers", len(timers.fns))
	}

	timers.fireFirst()
	if got := mustSnapshot(t, r, key).Execution; got != ExecutionRunning {
		t.Fatalf("a superseded timer must not fire, got %s", got)
	}

	timers.fireLast()
	snap := mustSnapshot(t, r, key)
	if snap.Execution != ExecutionFailed || snap.StreamingMessageID != "" {
		t.Fatalf("expired turn should fail, got %s %q", snap.Execution, snap.StreamingMessageID)
	}
	if last := snap.Messages[len(snap.Messages)-1]; last.Content != "turn timed out after 1m0s" {
		t.Fatalf("unexpected timeout message %q", last.Content)
	}
}

type memoryStore struct {
	mu    sync.Mutex
	snaps map[Key]Snapshot
}

func (m *memoryStore) Save(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.Key] = snap
	return nil
}

func (m *memoryStore) Load(ctx context.Context, key Key) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[key]
	return snap, ok, nil
}

func (m *memoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, key)
	return nil
}

func TestStoreSeedsAndPersists(t *testing.T) {
	store := &memoryStore{snaps: make(map[Key]Snapshot)}
	r, conn, key := connectedRegistry(t, Options{Store: store})
	conn.deliver(`{"message_type":"fetch_context_messages","data":[` + historyItem("1", agentContent("saved")) + `]}`)

	saved, ok, _ := store.Load(context.Background(), key)
	if !ok || len(saved.Messages) != 1 || saved.SavedAt.IsZero() {
		t.Fatalf("settled snapshot should be saved, got %#v", saved)
	}

	r2 := NewRegistry(newFakeConn(), Options{Store: store})
	defer r2.Close()
	key2 := r2.CreateSession("conv-1", "agent-1")
	snap := mustSnapshot(t, r2, key2)
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "saved" || snap.Execution != ExecutionIdle {
		t.Fatalf("new registry should be seeded from the store, got %#v", snap)
	}

	if err := r.RemoveSession(key); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}
	if _, ok, _ := store.Load(context.Background(), key); ok {
		t.Fatalf("RemoveSession should delete the stored snapshot")
	}
	if len(r.Keys()) != 0 {
		t.Fatalf("session should be dropped, got %v", r.Keys())
	}
}

func TestDisconnectRefreshAndOfflineCancel(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})

	if err := r.RefreshHistory(context.Background(), key); err != nil {
		t.Fatalf("RefreshHistory failed: %v", err)
	}
	if f := conn.waitSent(t); f.Tag != protocol.TagFetchContextMessages {
		t.Fatalf("RefreshHistory sent %q", f.Tag)
	}
	if _, err := r.SendMessage(context.Background(), key, "hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	conn.drain(t)

	if err := r.Disconnect(key); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if msgs, states := conn.subscribers(); msgs != 0 || states != 0 {
		t.Fatalf("Disconnect should unsubscribe from the transport, got %d/%d", msgs, states)
	}
	snap := mustSnapshot(t, r, key)
	if snap.Connection.Status != transport.StatusDisconnected {
		t.Fatalf("connection = %q, want disconnected", snap.Connection.Status)
	}

	if err := r.CancelExecution(context.Background(), key); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("offline cancel should report ErrNotConnected, got %v", err)
	}
	if got := mustSnapshot(t, r, key).Execution; got != ExecutionIdle {
		t.Fatalf("offline cancel should still go idle, got %q", got)
	}
	if err := r.RefreshHistory(context.Background(), key); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("RefreshHistory while unbound: %v", err)
	}
	if len(conn.drain(t)) != 0 {
		t.Fatalf("nothing should be sent once disconnected")
	}
}

func TestStreamInterleavedWithOtherContent(t *testing.T) {
	const inputRequest = `{"message_type":"user_input_request","question":"Which env?","input_type":"text"}`
	cases := []struct {
		name          string
		frame         string
		wantLast      string
		wantStreaming bool
		wantExecution ExecutionStatus
	}{
		{
			name:          "log_event_keeps_stream_last",
			frame:         conversationFrame("9", `{"message_type":"assistant_ideation","reasoning_summary":"checking"}`),
			wantStreaming: true,
			wantExecution: ExecutionRunning,
		},
		{
			name:          "input_request_closes_stream",
			frame:         conversationFrame("7", inputRequest),
			wantLast:      "7",
			wantExecution: ExecutionWaitingForInput,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, conn, key := connectedRegistry(t, Options{})
			if _, err := r.SendMessage(context.Background(), key, "hi"); err != nil {
				t.Fatalf("SendMessage failed: %v", err)
			}
			conn.deliver(`{"message_type":"new_message_chunk","data":{"chunk":"Let me"}}`)
			streamID := mustSnapshot(t, r, key).StreamingMessageID
			conn.deliver(tc.frame)

			snap := mustSnapshot(t, r, key)
			last := snap.Messages[len(snap.Messages)-1].ID
			want := tc.wantLast
			if tc.wantStreaming {
				want = streamID
			}
			if last != want {
				t.Fatalf("last message = %s, want %s (log %v)", last, want, messageIDs(snap))
			}
			if (snap.StreamingMessageID != "") != tc.wantStreaming {
				t.Fatalf("streaming id = %q, want open=%v", snap.StreamingMessageID, tc.wantStreaming)
			}
			if m, ok := snap.Message(streamID); !ok || m.Content != "Let me" {
				t.Fatalf("streamed text should stay in the log, got %#v", m)
			}
			if snap.Execution != tc.wantExecution {
				t.Fatalf("execution = %s, want %s", snap.Execution, tc.wantExecution)
			}
		})
	}
}

func TestInputRequestDuringStreamCanBeAnswered(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	if _, err := r.SendMessage(context.Background(), key, "hi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	conn.deliver(`{"message_type":"new_message_chunk","data":{"chunk":"Deploying"}}`)
	conn.deliver(conversationFrame("7", `{"message_type":"user_input_request","question":"Which env?","input_type":"text"}`))
	conn.drain(t)

	snap := mustSnapshot(t, r, key)
	if snap.ActiveInputRequest == nil || snap.ActiveInputRequest.ID != "7" {
		t.Fatalf("request 7 should be active, got %#v (log %v)", snap.ActiveInputRequest, messageIDs(snap))
	}
	answer, err := r.SubmitInput(context.Background(), key, "prod")
	if err != nil {
		t.Fatalf("SubmitInput failed: %v", err)
	}
	if sent := conn.waitSent(t); sent.Tag != protocol.TagUserInputResponse || string(sent.Payload) != `"prod"` {
		t.Fatalf("unexpected outbound %s %s", sent.Tag, sent.Payload)
	}
	snap = mustSnapshot(t, r, key)
	if ids := messageIDs(snap); ids[len(ids)-1] != answer.ID || ids[len(ids)-2] != "7" {
		t.Fatalf("answer should follow the request, got %v", ids)
	}
	if snap.ActiveInputRequest != nil || snap.Execution != ExecutionRunning {
		t.Fatalf("answered request should resume the turn, got %#v %s", snap.ActiveInputRequest, snap.Execution)
	}
}

func TestOlderPageRequestDoesNotSurviveReconnect(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	conn.deliver(`{"message_type":"fetch_context_messages","data":[` +
		historyItem("10", agentContent("ten")) + "," + historyItem("11", agentContent("eleven")) + `]}`)
	if ok, err := r.LoadOlderMessages(context.Background(), key, 2); !ok || err != nil {
		t.Fatalf("LoadOlderMessages = %v, %v", ok, err)
	}
	conn.drain(t)

	conn.setStatus(transport.StatusDisconnected)
	conn.setStatus(transport.StatusConnected)
	conn.deliver(`{"message_type":"session_connected","data":{}}`)
	conn.drain(t)
	conn.deliver(`{"message_type":"fetch_context_messages","data":[` +
		historyItem("10", agentContent("ten")) + "," +
		historyItem("11", agentContent("eleven")) + "," +
		historyItem("12", agentContent("twelve")) + `]}`)

	snap := mustSnapshot(t, r, key)
	if got := strings.Join(messageIDs(snap), ","); got != "10,11,12" {
		t.Fatalf("full history after reconnect must replace in order, got %s", got)
	}
	if snap.OldestID != "10" {
		t.Fatalf("oldest cursor = %q", snap.OldestID)
	}
}

func TestHistoryReplaceKeepsNewSendMatchingOldText(t *testing.T) {
	r, conn, key := connectedRegistry(t, Options{})
	history := `{"message_type":"fetch_context_messages","data":[` + historyItem("1", userContent("hello")) + `]}`
	conn.deliver(history)

	msg, err := r.SendMessage(context.Background(), key, "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if err := r.RefreshHistory(context.Background(), key); err != nil {
		t.Fatalf("RefreshHistory failed: %v", err)
	}
	conn.drain(t)
	conn.deliver(history)
	if got := strings.Join(messageIDs(mustSnapshot(t, r, key)), ","); got != "1,"+msg.ID {
		t.Fatalf("an older identical message must not confirm the new send, got %s", got)
	}

	conn.deliver(`{"message_type":"fetch_context_messages","data":[` +
		historyItem("1", userContent("hello")) + "," + historyItem("2", userContent("hello")) + `]}`)
	if got := strings.Join(messageIDs(mustSnapshot(t, r, key)), ","); got != "1,2" {
		t.Fatalf("the newer echo should confirm the send, got %s", got)
	}
}
