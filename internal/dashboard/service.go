// Package dashboard wires the client-side pieces together: the transport
// feeds events through the dedup cache, the run-to-task resolver, and the
// stage sequencer, and every mutation is pushed into the persisted view
// state. All board mutation happens on a single reducer goroutine; the
// board's own lock covers it so UI-side readers get consistent snapshots.
package dashboard

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/board"
	"github.com/flowdeck/flowdeck/internal/boardstore"
	"github.com/flowdeck/flowdeck/internal/dedup"
	"github.com/flowdeck/flowdeck/internal/relayprotocol"
	"github.com/flowdeck/flowdeck/internal/transport"
)

// eventQueueSize bounds the handoff between transport handlers and the
// reducer loop; handlers must never block the read loop.
const eventQueueSize = 256

type inbound struct {
	msgType string
	data    json.RawMessage
}

// Service is the headless dashboard follower.
type Service struct {
	board  *board.Board
	store  *boardstore.Store
	cache  *dedup.Cache
	seq    *board.Sequencer
	client *transport.Client

	events chan inbound
	subs   []*transport.Subscription
}

// New creates a Service over the given collaborators.
func New(b *board.Board, store *boardstore.Store, cache *dedup.Cache, client *transport.Client) *Service {
	return &Service{
		board:  b,
		store:  store,
		cache:  cache,
		seq:    board.NewSequencer(b.LogCap()),
		client: client,
		events: make(chan inbound, eventQueueSize),
	}
}

// Board returns the board for consumers on other goroutines (the UI
// layer); its accessors hand out snapshots, never the live task structs.
func (s *Service) Board() *board.Board {
	return s.board
}

// ConnectionState returns the transport's connection-state signal.
func (s *Service) ConnectionState() transport.State {
	return s.client.State()
}

// Rehydrate restores the board from the persisted snapshot. No events are
// replayed; the dedup cache stays empty so that post-reconnect replays can
// still update a stale snapshot, with the sequencer's monotonicity rule
// preventing any visible regression.
func (s *Service) Rehydrate() error {
	tasks, err := s.store.LoadAll(s.board.LogCap())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.board.Put(task)
	}
	log.Printf("dashboard: restored %d tasks from snapshot", len(tasks))
	return nil
}

// Run subscribes to the event stream and processes it until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	for _, msgType := range []string{
		relayprotocol.TypeStatusUpdate,
		relayprotocol.TypeWorkflowLog,
		relayprotocol.TypeTriggerResponse,
		relayprotocol.TypeError,
	} {
		s.subs = append(s.subs, s.client.Subscribe(msgType, s.enqueuer(msgType)))
	}
	s.subs = append(s.subs, s.client.Subscribe(transport.EventDisconnect, func(json.RawMessage) {
		log.Printf("dashboard: connection lost, awaiting reconnect")
	}))

	if err := s.client.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ev := <-s.events:
			s.apply(ev.msgType, ev.data)
		}
	}
}

func (s *Service) shutdown() {
	for _, sub := range s.subs {
		s.client.Unsubscribe(sub)
	}
	s.subs = nil
	s.client.Close()
}

// enqueuer hands a transport event to the reducer loop without blocking the
// read loop. Overflow is logged and dropped.
func (s *Service) enqueuer(msgType string) transport.Handler {
	return func(data json.RawMessage) {
		select {
		case s.events <- inbound{msgType: msgType, data: data}:
		default:
			log.Printf("dashboard: event queue full, dropping %s", msgType)
		}
	}
}

// apply is the reducer: dedup, resolve, sequence, persist. Every error path
// drops the event and continues; nothing here terminates the process.
func (s *Service) apply(msgType string, data json.RawMessage) {
	var ev relayprotocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("dashboard: malformed %s payload, dropping: %v", msgType, err)
		return
	}
	if ev.AdwID == "" {
		log.Printf("dashboard: %s without adw_id, dropping", msgType)
		return
	}

	if s.cache.IsDuplicate(msgType, &ev) {
		return
	}

	// MutateRun holds the board lock across the sequencer so snapshot
	// readers on other goroutines never see a half-applied event.
	task, changed := s.board.MutateRun(ev.AdwID, func(t *board.Task) bool {
		return s.seq.Apply(t, msgType, &ev)
	})
	if task == nil {
		// Miss already logged with diagnostics; dropped, not retried.
		return
	}
	if !changed {
		return
	}
	// The sequencer appends at most one log entry per event, and only when
	// the event carries a message.
	s.persist(task, ev.Message != "" && len(task.Logs) > 0)
}

func (s *Service) persist(task *board.Task, appendedLog bool) {
	if err := s.store.UpsertTask(task); err != nil {
		log.Printf("dashboard: persisting task %s failed: %v", task.ID, err)
		return
	}
	if appendedLog {
		entry := task.Logs[len(task.Logs)-1]
		if err := s.store.AppendLog(task.ID, entry); err != nil {
			log.Printf("dashboard: persisting log for task %s failed: %v", task.ID, err)
		}
	}
}

// AddTask registers a task created by the surrounding CRUD layer. The
// snapshot row is written before the board takes ownership of the struct.
func (s *Service) AddTask(id, title string) error {
	task := &board.Task{ID: id, Title: title, Stage: board.StageBacklog}
	if err := s.store.UpsertTask(task); err != nil {
		return err
	}
	s.board.Put(task)
	return nil
}

// RemoveTask deletes a task; its persisted snapshot is garbage-collected
// with it.
func (s *Service) RemoveTask(id string) error {
	s.board.Remove(id)
	return s.store.DeleteTask(id)
}

// Trigger starts a workflow for a task. The run association is set and
// persisted before the request leaves the client, so events that arrive
// ahead of the trigger response already resolve.
func (s *Service) Trigger(taskID, workflowName string) (string, error) {
	adwID := uuid.NewString()

	if err := s.board.AttachRun(taskID, adwID, workflowName); err != nil {
		return "", err
	}
	task := s.board.Get(taskID)
	if err := s.store.UpsertTask(task); err != nil {
		return "", err
	}

	err := s.client.Send(relayprotocol.TypeTriggerWorkflow, relayprotocol.TriggerRequest{
		AdwID:        adwID,
		TaskID:       taskID,
		WorkflowName: workflowName,
	})
	if err != nil {
		return "", err
	}
	return adwID, nil
}
