package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/crm"
	"github.com/aida-agent/aida/internal/gate"
	"github.com/aida-agent/aida/internal/session"
)

const testContact = "15551230001"

type fakeAgent struct {
	mu    sync.Mutex
	turns []string
	reply string
	err   error
}

func (f *fakeAgent) ProcessTurn(_ context.Context, contact, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, contact+": "+text)
	return f.reply, f.err
}

func (f *fakeAgent) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

type fakeRecords struct {
	mu       sync.Mutex
	messages []crm.Message
}

func (f *fakeRecords) FindOrCreateContact(_ context.Context, phone string) (*crm.Contact, error) {
	return &crm.Contact{ID: "CONT-" + phone, Phone: phone}, nil
}

func (f *fakeRecords) RecordMessage(_ context.Context, msg crm.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeRecords) recorded() []crm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crm.Message(nil), f.messages...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	next string
	err  error
}

func (f *fakeSender) SendText(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, to+": "+text)
	if f.next == "" {
		return "wamid.1", nil
	}
	return f.next, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testBridge(t *testing.T) (*Bridge, *fakeAgent, *fakeRecords, *fakeSender, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	g := gate.New(config.GateConfig{HumanCooldownSec: 300}, store, nil, nil)
	agent := &fakeAgent{reply: "Ciao! Come posso aiutarti?"}
	records := &fakeRecords{}
	sender := &fakeSender{}
	return NewBridge(g, agent, records, sender, nil, nil), agent, records, sender, store
}

func inbound(text string) MessageEvent {
	return MessageEvent{ID: "in.1", Direction: "in", Contact: testContact, Type: "text", Text: text}
}

func TestInboundProducesReply(t *testing.T) {
	b, agent, records, sender, _ := testBridge(t)

	b.HandleEvent(context.Background(), inbound("Buongiorno"))

	if agent.turnCount() != 1 {
		t.Fatalf("turns = %d, want 1", agent.turnCount())
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", sender.sentCount())
	}

	msgs := records.recorded()
	if len(msgs) != 2 {
		t.Fatalf("recorded %d messages, want inbound + outbound", len(msgs))
	}
	if msgs[0].Direction != "in" || msgs[0].Automated {
		t.Errorf("inbound record = %+v", msgs[0])
	}
	if msgs[1].Direction != "out" || !msgs[1].Automated {
		t.Errorf("outbound record = %+v", msgs[1])
	}
}

func TestReactionDroppedEntirely(t *testing.T) {
	b, agent, records, sender, _ := testBridge(t)

	b.HandleEvent(context.Background(), MessageEvent{
		ID: "in.2", Direction: "in", Contact: testContact, Type: "reaction", Text: "👍",
	})

	if agent.turnCount() != 0 || sender.sentCount() != 0 {
		t.Error("reaction reached the orchestrator or sender")
	}
	if len(records.recorded()) != 0 {
		t.Error("reaction was recorded")
	}
}

func TestHumanTakeoverSuppressesButRecords(t *testing.T) {
	b, agent, records, sender, _ := testBridge(t)

	// A human operator replies from another client.
	b.HandleEvent(context.Background(), MessageEvent{
		ID: "wamid.human", Direction: "out", Contact: testContact, Type: "text",
		Text: "Ci penso io, sono Luca",
	})

	b.HandleEvent(context.Background(), inbound("Grazie Luca!"))

	if agent.turnCount() != 0 {
		t.Error("orchestrator invoked during human cooldown")
	}
	if sender.sentCount() != 0 {
		t.Error("automated reply sent during human cooldown")
	}

	// The human outbound and the suppressed inbound both land in history.
	msgs := records.recorded()
	if len(msgs) != 2 {
		t.Fatalf("recorded %d messages, want 2", len(msgs))
	}
	if msgs[0].Direction != "out" || msgs[0].Automated {
		t.Errorf("human outbound record = %+v", msgs[0])
	}
	if msgs[1].Direction != "in" {
		t.Errorf("suppressed inbound record = %+v", msgs[1])
	}
}

func TestOwnOutboundDoesNotStartCooldown(t *testing.T) {
	b, agent, _, sender, _ := testBridge(t)
	sender.next = "wamid.self"

	b.HandleEvent(context.Background(), inbound("Buongiorno"))
	if sender.sentCount() != 1 {
		t.Fatal("first reply not sent")
	}

	// The gateway echoes our own send as an outbound event.
	b.HandleEvent(context.Background(), MessageEvent{
		ID: "wamid.self", Direction: "out", Contact: testContact, Type: "text",
		Text: "Ciao! Come posso aiutarti?",
	})

	// The next inbound must still get an automated reply.
	b.HandleEvent(context.Background(), inbound("Avete il tiramisù?"))
	if agent.turnCount() != 2 {
		t.Errorf("turns = %d, want 2 (own echo must not start cooldown)", agent.turnCount())
	}
}

func TestEmptyReplySuppressed(t *testing.T) {
	b, agent, _, sender, _ := testBridge(t)
	agent.reply = ""

	b.HandleEvent(context.Background(), inbound("Buongiorno"))

	if agent.turnCount() != 1 {
		t.Fatal("orchestrator not invoked")
	}
	if sender.sentCount() != 0 {
		t.Error("empty reply was delivered")
	}
}

func TestTurnErrorSendsNothing(t *testing.T) {
	b, agent, _, sender, _ := testBridge(t)
	agent.err = errors.New("completion down")

	b.HandleEvent(context.Background(), inbound("Buongiorno"))

	if sender.sentCount() != 0 {
		t.Error("reply sent despite turn failure")
	}
}

func TestLanguagePreferenceRefreshed(t *testing.T) {
	b, _, _, _, store := testBridge(t)

	b.HandleEvent(context.Background(), inbound("hola, por favor"))

	if tag, _ := store.Language(testContact); tag != "es" {
		t.Errorf("language = %q, want es", tag)
	}
}

func TestRunDrainsChannel(t *testing.T) {
	b, agent, _, _, _ := testBridge(t)

	ch := make(chan MessageEvent, 8)
	for i := 0; i < 5; i++ {
		ch <- inbound("Ciao")
	}
	close(ch)

	b.Run(context.Background(), ch, 3)

	if agent.turnCount() != 5 {
		t.Errorf("turns = %d, want 5", agent.turnCount())
	}
}
