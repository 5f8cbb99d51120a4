package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/livinlefevreloca/deferral/internal/emitter"
	"github.com/livinlefevreloca/deferral/internal/operation"
)

// Test Fixtures and Helpers

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(ctx context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("publish without deadline")
	}
	p.msgs = append(p.msgs, msg)
	return &jetstream.PubAck{Stream: "DEFERRAL_COMMANDS", Sequence: uint64(len(p.msgs))}, nil
}

type fakeCorePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *fakeCorePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subject, p.data = subject, data
	return nil
}

type fakeScheduler struct {
	req emitter.ScheduleRequest
	ev  operation.WakeEvent
	err error
}

func (s *fakeScheduler) ScheduleRequest(_ context.Context, req emitter.ScheduleRequest) (operation.ID, operation.WakeEvent, error) {
	s.req = req
	id := operation.ID(req.ID)
	if id == "" {
		id = "op-generated"
	}
	return id, s.ev, s.err
}

func testDelivery() emitter.DeliveryContext {
	due := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	return emitter.DeliveryContext{
		OperationID: "op-1",
		Type:        "wallet.debit",
		DueAt:       due,
		EmittedAt:   due.Add(15 * time.Millisecond),
	}
}

// Sink Tests

func TestSink_PublishesCommand(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewSink(pub, "deferral", time.Second)

	cmd := operation.RawJSON(`{"account":"acct-1","amount":250}`)
	if err := sink.Send(context.Background(), cmd, testDelivery()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.msgs))
	}
	msg := pub.msgs[0]

	if msg.Subject != "deferral.commands.wallet.debit" {
		t.Errorf("Subject = %s", msg.Subject)
	}
	if string(msg.Data) != `{"account":"acct-1","amount":250}` {
		t.Errorf("Data = %s", msg.Data)
	}

	headers := map[string]string{
		nats.MsgIdHdr:     "op-1",
		HeaderOperationID: "op-1",
		HeaderDueAt:       "2030-01-01T12:00:00Z",
		HeaderEmittedAt:   "2030-01-01T12:00:00.015Z",
	}
	for k, want := range headers {
		if got := msg.Header.Get(k); got != want {
			t.Errorf("header %s = %q, want %q", k, got, want)
		}
	}
}

func TestSink_Failures(t *testing.T) {
	tests := []struct {
		name   string
		pubErr error
		cmd    any
		typ    string
	}{
		{"publish error", errors.New("nats: timeout"), operation.RawJSON(`{}`), "wallet.debit"},
		{"unencodable command", nil, make(chan int), "wallet.debit"},
		{"wildcard type", nil, operation.RawJSON(`{}`), "wallet.*"},
		{"empty token", nil, operation.RawJSON(`{}`), "wallet..debit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{err: tt.pubErr}
			sink := NewSink(pub, "deferral", time.Second)

			dc := testDelivery()
			dc.Type = tt.typ
			err := sink.Send(context.Background(), tt.cmd, dc)
			if !errors.Is(err, operation.ErrDeliveryFailed) {
				t.Fatalf("Send() error = %v, want ErrDeliveryFailed", err)
			}
			if len(pub.msgs) != 0 {
				t.Errorf("published %d messages, want 0", len(pub.msgs))
			}
		})
	}
}

// Announcer Tests

func TestAnnouncer_PublishesWakeEvent(t *testing.T) {
	pub := &fakeCorePublisher{}
	a := NewAnnouncer(pub, "deferral")

	due := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := operation.WakeEvent{ClosedID: "op-1", Next: &operation.NextOperation{ID: "op-2", DueAt: due}}
	if err := a.Announce(context.Background(), ev); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	if pub.subject != "deferral.wake" {
		t.Errorf("subject = %s, want deferral.wake", pub.subject)
	}

	var got operation.WakeEvent
	if err := json.Unmarshal(pub.data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ClosedID != "op-1" || got.Next == nil || got.Next.ID != "op-2" || !got.Next.DueAt.Equal(due) {
		t.Errorf("decoded event = %+v", got)
	}
}

func TestAnnouncer_NoNextEncodesNull(t *testing.T) {
	pub := &fakeCorePublisher{}
	a := NewAnnouncer(pub, "deferral")

	if err := a.Announce(context.Background(), operation.WakeEvent{}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if string(pub.data) != `{"next":null}` {
		t.Errorf("data = %s, want {\"next\":null}", pub.data)
	}
}

func TestAnnouncer_PublishError(t *testing.T) {
	a := NewAnnouncer(&fakeCorePublisher{err: nats.ErrConnectionClosed}, "deferral")
	if err := a.Announce(context.Background(), operation.WakeEvent{}); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Errorf("Announce() error = %v, want ErrConnectionClosed", err)
	}
}

// Intake Tests

func TestIntake_Process(t *testing.T) {
	due := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	next := &operation.NextOperation{ID: "op-7", DueAt: due}

	tests := []struct {
		name     string
		body     string
		err      error
		wantID   string
		wantCode string
	}{
		{
			name:   "scheduled",
			body:   `{"id":"op-7","type":"wallet.debit","payload":{"amount":1},"due_at":"2030-01-01T12:00:00Z"}`,
			wantID: "op-7",
		},
		{
			name:     "malformed json",
			body:     `{"id":`,
			wantCode: emitter.CodeInvalidRequest,
		},
		{
			name:     "duplicate",
			body:     `{"id":"op-7","type":"wallet.debit","payload":{},"due_at":"2030-01-01T12:00:00Z"}`,
			err:      operation.ErrDuplicateID,
			wantCode: emitter.CodeDuplicate,
		},
		{
			name:     "store down",
			body:     `{"type":"wallet.debit","payload":{},"due_at":"2030-01-01T12:00:00Z"}`,
			err:      operation.Unavailable(errors.New("disk I/O error")),
			wantCode: emitter.CodeUnavailable,
		},
		{
			name:   "stored without wake update",
			body:   `{"type":"wallet.debit","payload":{},"due_at":"2030-01-01T12:00:00Z"}`,
			err:    operation.ErrEmitFailed,
			wantID: "op-generated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeScheduler{ev: operation.WakeEvent{Next: next}, err: tt.err}
			in := NewIntake(nil, sched, "deferral", time.Second, newTestLogger())

			reply := in.process(context.Background(), []byte(tt.body))

			if reply.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", reply.ID, tt.wantID)
			}
			if reply.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", reply.Code, tt.wantCode)
			}
			if tt.wantCode == "" && tt.err == nil && (reply.Next == nil || reply.Next.ID != "op-7") {
				t.Errorf("Next = %v, want op-7", reply.Next)
			}
			if tt.wantCode != "" && reply.Error == "" {
				t.Error("expected error message in reply")
			}
		})
	}
}

// Config and Subject Tests

func TestSubjects(t *testing.T) {
	if got := CommandSubject("deferral", "wallet.debit"); got != "deferral.commands.wallet.debit" {
		t.Errorf("CommandSubject() = %s", got)
	}
	if got := CommandsAllSubject("deferral"); got != "deferral.commands.>" {
		t.Errorf("CommandsAllSubject() = %s", got)
	}
	if got := ScheduleSubject("app.deferral"); got != "app.deferral.schedule" {
		t.Errorf("ScheduleSubject() = %s", got)
	}
}

func TestValidSubjectToken(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"wallet.debit", true},
		{"email", true},
		{"", false},
		{"wallet.*", false},
		{"wallet.>", false},
		{"wallet debit", false},
		{".wallet", false},
		{"wallet.", false},
	}

	for _, tt := range tests {
		if got := ValidSubjectToken(tt.in); got != tt.want {
			t.Errorf("ValidSubjectToken(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty url", func(c *Config) { c.URL = "" }, "url"},
		{"wildcard prefix", func(c *Config) { c.SubjectPrefix = "deferral.>" }, "subject_prefix"},
		{"dotted stream", func(c *Config) { c.Stream = "a.b" }, "stream"},
		{"no bucket", func(c *Config) { c.Bucket = "" }, "bucket"},
		{"zero replicas", func(c *Config) { c.Replicas = 0 }, "replicas"},
		{"zero publish timeout", func(c *Config) { c.PublishTimeout = 0 }, "publish_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
