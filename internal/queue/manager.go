// Package queue decides which queued downloads become active: each queue
// admits members in order up to its concurrency cap, optionally gated by a
// weekly time-of-day window. The manager owns the queue list; every other
// component reads snapshots through the Store.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CloudflareHackers/QDM/internal/eventbus"
	"github.com/CloudflareHackers/QDM/internal/model"
	"github.com/CloudflareHackers/QDM/internal/store"
)

// sweepInterval is how often the manager re-evaluates admission even when
// no lifecycle event arrives, so schedule windows open on time.
const sweepInterval = 60 * time.Second

// Starter is the slice of the engine the manager drives.
type Starter interface {
	Start(id string) error
}

// Manager runs the admission sweep and owns queue membership.
type Manager struct {
	logger  *slog.Logger
	store   *store.Store
	bus     *eventbus.Bus
	starter Starter

	// now is swappable so the schedule gate is testable at any wall-clock.
	now func() time.Time

	kick chan struct{}
}

func NewManager(logger *slog.Logger, st *store.Store, bus *eventbus.Bus, starter Starter) *Manager {
	return &Manager{
		logger:  logger,
		store:   st,
		bus:     bus,
		starter: starter,
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
}

// Kick requests an immediate sweep; coalesced if one is already pending.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run sweeps every sweepInterval and whenever a download is added, paused,
// failed, cancelled, completed or removed, until ctx is cancelled. Completed and removed downloads are evicted from
// their queue before the sweep that follows.
func (m *Manager) Run(ctx context.Context) {
	sub := m.bus.Subscribe(128)
	defer m.bus.Unsubscribe(sub)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	m.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		case <-m.kick:
			m.Sweep()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			switch evt.Topic {
			case "download:completed", "download:removed":
				if d, ok := evt.Data.(model.Download); ok {
					if err := m.store.EvictDownload(d.ID); err != nil {
						m.logger.Error("queue eviction failed", "id", d.ID, "error", err)
					}
				}
				m.Sweep()
			case "download:added", "download:paused", "download:failed", "download:cancelled":
				m.Sweep()
			}
		}
	}
}

// Sweep admits, for every enabled queue whose schedule currently allows it,
// the next queued members up to max_concurrent minus the members already
// downloading or assembling.
func (m *Manager) Sweep() {
	for _, q := range m.store.AllQueues() {
		if !q.Enabled {
			continue
		}
		if !ScheduleAdmits(q.Schedule, m.now()) {
			continue
		}

		active := 0
		var candidates []string
		for _, id := range q.DownloadIDs {
			d := m.store.GetDownload(id)
			if d == nil {
				continue
			}
			switch d.Status {
			case model.StatusDownloading, model.StatusAssembling:
				active++
			case model.StatusQueued:
				candidates = append(candidates, id)
			}
		}

		for _, id := range candidates {
			if active >= q.MaxConcurrent {
				break
			}
			if err := m.starter.Start(id); err != nil {
				m.logger.Warn("admission failed", "queue", q.ID, "id", id, "error", err)
				continue
			}
			active++
		}
	}
}

// Enqueue appends a download to a queue (removing it from any other first)
// and kicks the sweep.
func (m *Manager) Enqueue(downloadID, queueID string) error {
	if queueID == "" {
		queueID = m.DefaultQueueID()
	}
	if err := m.store.MoveDownload(downloadID, queueID); err != nil {
		return err
	}
	m.Kick()
	return nil
}

// Move relocates a download between queues. The membership write is a
// single catalog flush.
func (m *Manager) Move(downloadID, targetQueueID string) error {
	if err := m.store.MoveDownload(downloadID, targetQueueID); err != nil {
		return err
	}
	q := m.store.GetQueue(targetQueueID)
	if q != nil {
		m.bus.Publish("queue:updated", *q)
	}
	m.Kick()
	return nil
}

// DefaultQueueID returns the id of the default queue: "default" when
// present, otherwise the first queue known to the Store (there is always at
// least one).
func (m *Manager) DefaultQueueID() string {
	if q := m.store.GetQueue("default"); q != nil {
		return q.ID
	}
	queues := m.store.AllQueues()
	if len(queues) > 0 {
		return queues[0].ID
	}
	return "default"
}

// Create adds a new queue and publishes queue:created.
func (m *Manager) Create(name string, maxConcurrent int, schedule *model.Schedule) (*model.Queue, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &model.Queue{
		ID:            uuid.New().String(),
		Name:          name,
		Enabled:       true,
		MaxConcurrent: maxConcurrent,
		Schedule:      schedule,
	}
	if err := m.store.SaveQueue(q); err != nil {
		return nil, err
	}
	m.bus.Publish("queue:created", *q)
	return q, nil
}

// Update replaces a queue's settings and publishes queue:updated.
func (m *Manager) Update(q *model.Queue) error {
	if m.store.GetQueue(q.ID) == nil {
		return fmt.Errorf("queue: unknown queue %q", q.ID)
	}
	if err := m.store.SaveQueue(q); err != nil {
		return err
	}
	m.bus.Publish("queue:updated", *q)
	m.Kick()
	return nil
}

// Delete removes a queue, relocating its members to the default queue. The
// Store refuses to delete the sole remaining queue.
func (m *Manager) Delete(id string) error {
	q := m.store.GetQueue(id)
	if q == nil {
		return fmt.Errorf("queue: unknown queue %q", id)
	}
	members := append([]string(nil), q.DownloadIDs...)
	if err := m.store.DeleteQueue(id); err != nil {
		return err
	}
	fallback := m.DefaultQueueID()
	for _, downloadID := range members {
		if err := m.store.MoveDownload(downloadID, fallback); err != nil {
			m.logger.Warn("failed to relocate queue member", "id", downloadID, "error", err)
		}
	}
	m.bus.Publish("queue:deleted", *q)
	m.Kick()
	return nil
}
