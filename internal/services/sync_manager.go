package services

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"chatsync/internal/logging"
	"chatsync/internal/models"
)

const (
	// Delay between a session being marked dirty and its sync trigger;
	// repeated dirtying within the window collapses into one trigger.
	dirtyDebounce = 1 * time.Second

	steadyStateContextLimit = 20
	fullSyncContextLimit    = 100
)

// SyncManager reconciles remote contexts into the local session store for
// one agent scope. It is the only component that writes remote-derived data
// into the store without user action.
//
// Remote data wins by timestamp (last-writer-wins); locally newer sessions
// are recorded in the pending-changes set and their metadata is pushed back
// via contexts/update on the next successful pass.
type SyncManager struct {
	store  *SessionStore
	client *HistoryClient
	config models.SyncConfig
	bus    *EventBus
	logger *slog.Logger

	scheduler gocron.Scheduler

	mu             sync.Mutex
	isSyncing      bool
	online         bool
	closed         bool
	hasSynced      bool
	status         models.SyncStatus
	retryCount     int
	retryTimer     *time.Timer
	pendingChanges map[string]struct{} // session ids with local edits awaiting upload
	missingRemote  map[string]struct{} // session ids whose context the last listing omitted
	syncedThreads  map[string]struct{} // context ids synced this lifetime
	dirtyTimers    map[string]*time.Timer
}

// NewSyncManager creates a sync manager; it does nothing until StartAutoSync
// or one of the explicit sync triggers is called.
func NewSyncManager(store *SessionStore, client *HistoryClient, config models.SyncConfig, bus *EventBus) *SyncManager {
	if bus == nil {
		bus = NewEventBus()
	}
	return &SyncManager{
		store:  store,
		client: client,
		config: config,
		bus:    bus,
		logger: logging.WithAgent(store.Scope(), client.AgentURL()),
		online: true,
		status: models.SyncStatus{
			Status: models.SyncStateIdle,
		},
		pendingChanges: make(map[string]struct{}),
		missingRemote:  make(map[string]struct{}),
		syncedThreads:  make(map[string]struct{}),
		dirtyTimers:    make(map[string]*time.Timer),
	}
}

// Events returns the bus sync notifications are published on
func (m *SyncManager) Events() *EventBus {
	return m.bus
}

// Subscribe registers a handler for one event kind
func (m *SyncManager) Subscribe(kind EventKind, handler EventHandler) int {
	return m.bus.Subscribe(kind, handler)
}

// Unsubscribe removes a handler registration
func (m *SyncManager) Unsubscribe(kind EventKind, id int) {
	m.bus.Unsubscribe(kind, id)
}

// StartAutoSync runs one immediate sync and schedules the periodic poll
func (m *SyncManager) StartAutoSync(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("sync manager is closed")
	}
	if m.scheduler != nil {
		m.mu.Unlock()
		return nil
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(m.config.SyncInterval),
		gocron.NewTask(func() {
			// The tick still fires while offline or mid-sync; beginSync
			// short-circuits instead of queueing.
			if err := m.SyncFromServer(context.Background()); err != nil {
				log.Printf("⚠️ Periodic sync failed: %v", err)
			}
		}),
		gocron.WithName("auto-sync:"+m.store.Scope()),
	)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to schedule auto-sync: %w", err)
	}

	m.scheduler = scheduler
	m.mu.Unlock()

	scheduler.Start()
	log.Printf("⏰ Auto-sync started for scope %s (interval %s)", m.store.Scope(), m.config.SyncInterval)

	go func() {
		if err := m.SyncAllThreads(ctx); err != nil {
			log.Printf("⚠️ Initial sync failed: %v", err)
		}
	}()

	return nil
}

// Close tears down timers, the scheduler and the single-flight state. The
// manager cannot be restarted afterwards.
func (m *SyncManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	scheduler := m.scheduler
	m.scheduler = nil

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	for id, timer := range m.dirtyTimers {
		timer.Stop()
		delete(m.dirtyTimers, id)
	}
	m.mu.Unlock()

	if scheduler != nil {
		return scheduler.Shutdown()
	}
	return nil
}

// beginSync acquires the single-flight sync slot. Overlapping triggers are
// coalesced by returning false rather than queueing.
func (m *SyncManager) beginSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.isSyncing || !m.online {
		return false
	}
	m.isSyncing = true
	m.status.Status = models.SyncStateSyncing
	return true
}

// endSync releases the sync slot, updates status and schedules a retry on
// failure (linear backoff: retryDelay * attempt, capped at maxRetries).
func (m *SyncManager) endSync(syncErr error) {
	m.mu.Lock()
	m.isSyncing = false

	if syncErr != nil {
		// Going offline mid-pass wins over the pass's failure: the status
		// stays offline and no retry is scheduled until connectivity returns.
		if m.online {
			m.status.Status = models.SyncStateError
			m.status.Error = syncErr.Error()
			m.retryCount++

			if m.retryCount <= m.config.MaxRetries && !m.closed {
				delay := m.config.RetryDelay * time.Duration(m.retryCount)
				log.Printf("🔁 Sync retry %d/%d in %s", m.retryCount, m.config.MaxRetries, delay)
				m.retryTimer = time.AfterFunc(delay, func() {
					if err := m.SyncFromServer(context.Background()); err != nil {
						log.Printf("⚠️ Retry sync failed: %v", err)
					}
				})
			}
		}
		m.mu.Unlock()

		m.publishStatus(EventSyncError, syncErr.Error())
		return
	}

	if m.online {
		m.status.Status = models.SyncStateIdle
	}
	m.status.Error = ""
	m.status.LastSyncTime = time.Now().UnixMilli()
	m.retryCount = 0
	m.hasSynced = true
	m.mu.Unlock()

	m.publishStatus(EventSyncComplete, "")
}

func (m *SyncManager) publishStatus(kind EventKind, errMsg string) {
	status := m.GetSyncStatus()
	m.bus.Publish(Event{
		Kind:       kind,
		AgentScope: m.store.Scope(),
		Status:     &status,
		Error:      errMsg,
	})
}

// SyncFromServer is the lighter steady-state poll: it lists recent contexts
// and reconciles each, fetching full conversations only where needed.
func (m *SyncManager) SyncFromServer(ctx context.Context) error {
	return m.runSync(ctx, models.ContextListOptions{
		Limit:           steadyStateContextLimit,
		IncludeLastTask: true,
	}, false)
}

// SyncAllThreads is the first-load warm sync: it fetches every context
// (archived included) and eagerly pulls each full conversation.
func (m *SyncManager) SyncAllThreads(ctx context.Context) error {
	return m.runSync(ctx, models.ContextListOptions{
		Limit:           fullSyncContextLimit,
		IncludeLastTask: true,
		IncludeArchived: true,
	}, true)
}

// TriggerSync is the manual full sync; it clears the remote cache first so
// the user-visible refresh is guaranteed fresh.
func (m *SyncManager) TriggerSync(ctx context.Context) error {
	m.client.ClearCache()
	return m.SyncFromServer(ctx)
}

func (m *SyncManager) runSync(ctx context.Context, opts models.ContextListOptions, eager bool) error {
	if !m.beginSync() {
		return nil
	}

	m.publishStatus(EventSyncStart, "")

	err := m.syncPass(ctx, opts, eager)
	m.endSync(err)
	return err
}

func (m *SyncManager) syncPass(ctx context.Context, opts models.ContextListOptions, eager bool) error {
	contexts, err := m.client.FetchContexts(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to list contexts: %w", err)
	}

	remoteIDs := make(map[string]struct{}, len(contexts))
	for _, remote := range contexts {
		if remote.ID == "" {
			continue
		}
		remoteIDs[remote.ID] = struct{}{}

		var preloaded *models.Conversation
		if eager {
			conv, convErr := m.client.FetchFullConversation(ctx, remote.ID, false)
			if convErr != nil {
				log.Printf("⚠️ Failed to preload conversation %s: %v", remote.ID, convErr)
			} else {
				preloaded = conv
			}
		}

		if syncErr := m.syncContext(ctx, remote, preloaded); syncErr != nil {
			log.Printf("⚠️ Failed to sync context %s: %v", remote.ID, syncErr)
		}
	}

	m.handleLocalOnlySessions(ctx, remoteIDs, opts.IncludeArchived)
	m.drainPendingUploads(ctx)

	m.logger.Debug("sync pass finished",
		"contexts", len(contexts),
		"pending", m.GetSyncStatus().PendingChanges,
	)
	return nil
}

// syncContext reconciles one remote context against the local store.
//
// Policy: metadata is always refreshed from the remote record; the full
// conversation is re-fetched only when the remote UpdatedAt is newer than
// the local one, or when no local session exists yet. Brand-new remote
// contexts are therefore always pulled. When local state is strictly newer
// (and bound to the context), the session goes into the pending-changes set
// and its name/archive flag are pushed back instead of being overwritten.
func (m *SyncManager) syncContext(ctx context.Context, remote models.RemoteContext, preloaded *models.Conversation) error {
	local := m.store.FindByContextID(ctx, remote.ID)

	remoteUpdated := remote.UpdatedAt
	if remoteUpdated == 0 {
		remoteUpdated = time.Now().UnixMilli()
	}

	var localUpdated int64
	if local != nil {
		localUpdated = local.UpdatedAt
	}

	localNewer := local != nil && local.ContextID != "" && localUpdated > remoteUpdated
	needMessages := local == nil || remoteUpdated > localUpdated

	var conv *models.Conversation
	if needMessages {
		conv = preloaded
		if conv == nil {
			fetched, err := m.client.FetchFullConversation(ctx, remote.ID, false)
			if err != nil {
				// Partial information beats none for a listing UI: upsert
				// the metadata anyway and leave messages as they are.
				log.Printf("⚠️ Failed to fetch conversation %s, keeping metadata only: %v", remote.ID, err)
			} else {
				conv = fetched
			}
		}
	}

	if remote.DefaultsApplied {
		logging.WithThread(m.logger, remote.ID).Debug("remote context record needed defaults")
	}

	if local == nil {
		sess := &models.Session{
			ID:         newSessionID(time.Now().UnixMilli()),
			ContextID:  remote.ID,
			Name:       remote.Name,
			Messages:   []models.Message{},
			CreatedAt:  remote.CreatedAt,
			UpdatedAt:  remoteUpdated,
			IsArchived: remote.IsArchived,
			Status:     remote.Status,
		}
		if conv != nil {
			sess.Messages = conv.Messages
		}
		if err := m.store.SaveSession(ctx, sess, false); err != nil {
			return err
		}
		m.markSynced(remote.ID)
		m.publishContextSynced(remote.ID, sess.ID)
		return nil
	}

	changed := false

	if localNewer {
		m.addPendingChange(local.ID)
	} else {
		if local.Name != remote.Name {
			local.Name = remote.Name
			changed = true
		}
		if local.IsArchived != remote.IsArchived {
			local.IsArchived = remote.IsArchived
			changed = true
		}
		if local.Status != remote.Status {
			local.Status = remote.Status
			changed = true
		}
	}

	if conv != nil && !reflect.DeepEqual(local.Messages, conv.Messages) {
		local.Messages = conv.Messages
		changed = true
	}
	if !localNewer && remoteUpdated > local.UpdatedAt {
		local.UpdatedAt = remoteUpdated
		changed = true
	}

	// Unchanged data must not rewrite the record: running the same sync
	// twice in a row leaves messages and UpdatedAt exactly where the first
	// run put them.
	if changed {
		if err := m.store.SaveSession(ctx, local, false); err != nil {
			return err
		}
	}

	m.markSynced(remote.ID)
	m.publishContextSynced(remote.ID, local.ID)
	return nil
}

// SyncSpecificThread refreshes a single context's conversation, used when a
// user actively revisits or manually refreshes a thread.
func (m *SyncManager) SyncSpecificThread(ctx context.Context, contextID string, forceRefresh bool) error {
	m.mu.Lock()
	if m.closed || !m.online {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conv, err := m.client.FetchFullConversation(ctx, contextID, forceRefresh)
	if err != nil {
		m.bus.Publish(Event{
			Kind:       EventSyncError,
			AgentScope: m.store.Scope(),
			ContextID:  contextID,
			Error:      err.Error(),
		})
		return fmt.Errorf("failed to fetch conversation %s: %w", contextID, err)
	}

	local := m.store.FindByContextID(ctx, contextID)
	if local == nil {
		sess := &models.Session{
			ID:        newSessionID(time.Now().UnixMilli()),
			ContextID: contextID,
			Name:      synthesizeContextName(contextID, time.Now().UnixMilli()),
			Messages:  conv.Messages,
			CreatedAt: time.Now().UnixMilli(),
			UpdatedAt: conv.LastUpdated,
		}
		if sess.UpdatedAt == 0 {
			sess.UpdatedAt = time.Now().UnixMilli()
		}
		if err := m.store.SaveSession(ctx, sess, false); err != nil {
			return err
		}
		m.markSynced(contextID)
		m.publishContextSynced(contextID, sess.ID)
		return nil
	}

	if !reflect.DeepEqual(local.Messages, conv.Messages) {
		local.Messages = conv.Messages
		if conv.LastUpdated > local.UpdatedAt {
			local.UpdatedAt = conv.LastUpdated
		}
		if err := m.store.SaveSession(ctx, local, false); err != nil {
			return err
		}
	}

	m.markSynced(contextID)
	m.publishContextSynced(contextID, local.ID)
	return nil
}

// handleLocalOnlySessions marks sessions whose remote context is absent from
// the latest listing instead of deleting them: a transient omission must
// never silently lose a thread. The marks stay out of the upload set — an
// omission is not a local edit, and pushing unchanged metadata on every poll
// would clobber renames made elsewhere. With listedArchived false, archived
// sessions carry no signal: the listing never asked for their contexts.
func (m *SyncManager) handleLocalOnlySessions(ctx context.Context, remoteIDs map[string]struct{}, listedArchived bool) {
	missing := make(map[string]struct{})
	for _, meta := range m.store.ListSessions(ctx, true) {
		if meta.ContextID == "" {
			continue
		}
		if meta.IsArchived && !listedArchived {
			continue
		}
		if _, present := remoteIDs[meta.ContextID]; !present {
			missing[meta.ID] = struct{}{}
		}
	}

	m.mu.Lock()
	m.missingRemote = missing
	m.mu.Unlock()
}

// drainPendingUploads pushes locally newer metadata (name, archive flag)
// back to the server via contexts/update. Only sessions with actual local
// edits are drained; remote-omission marks never reach the server. Message
// upload has no RPC and stays out of scope; sessions without a context id
// cannot be drained.
func (m *SyncManager) drainPendingUploads(ctx context.Context) {
	m.mu.Lock()
	pending := make([]string, 0, len(m.pendingChanges))
	for id := range m.pendingChanges {
		pending = append(pending, id)
	}
	m.mu.Unlock()

	for _, sessionID := range pending {
		sess := m.store.GetSession(ctx, sessionID)
		if sess == nil || sess.ContextID == "" {
			m.removePendingChange(sessionID)
			continue
		}

		update := models.ContextUpdate{
			Name:       &sess.Name,
			IsArchived: &sess.IsArchived,
		}
		if err := m.client.UpdateContext(ctx, sess.ContextID, update); err != nil {
			// Kept pending; the next pass retries
			log.Printf("⚠️ Failed to push changes for context %s: %v", sess.ContextID, err)
			continue
		}
		m.removePendingChange(sessionID)
	}
}

// NotifyLocalChange records a user-originated edit (rename, archive) in the
// pending-changes set so the next successful pass pushes it upstream.
func (m *SyncManager) NotifyLocalChange(sessionID string) {
	m.addPendingChange(sessionID)
}

// MarkSessionDirty schedules a delayed single-thread sync for a session.
// Repeated dirtying within the debounce window collapses into one trigger.
func (m *SyncManager) MarkSessionDirty(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if _, scheduled := m.dirtyTimers[sessionID]; scheduled {
		return
	}

	m.dirtyTimers[sessionID] = time.AfterFunc(dirtyDebounce, func() {
		m.mu.Lock()
		delete(m.dirtyTimers, sessionID)
		m.mu.Unlock()

		ctx := context.Background()
		sess := m.store.GetSession(ctx, sessionID)
		if sess == nil {
			return
		}
		if sess.ContextID == "" {
			// Local-only session: nothing remote to reconcile against yet
			return
		}
		if err := m.SyncSpecificThread(ctx, sess.ContextID, true); err != nil {
			log.Printf("⚠️ Dirty-session sync failed for %s: %v", sessionID, err)
		}
	})
}

// SetOnline delivers a connectivity transition. Going offline halts sync
// work immediately (scheduled ticks short-circuit); coming back online
// attempts one sync when there is pending work or no prior successful sync.
func (m *SyncManager) SetOnline(online bool) {
	m.mu.Lock()
	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var resync bool
	if online {
		m.status.Status = models.SyncStateIdle
		resync = len(m.pendingChanges) > 0 || !m.hasSynced
	} else {
		m.status.Status = models.SyncStateOffline
	}
	m.mu.Unlock()

	if online {
		m.publishStatus(EventOnline, "")
		if resync {
			go func() {
				if err := m.SyncFromServer(context.Background()); err != nil {
					log.Printf("⚠️ Reconnect sync failed: %v", err)
				}
			}()
		}
	} else {
		m.publishStatus(EventOffline, "")
	}
}

// GetSyncStatus returns a snapshot of the transient sync state
func (m *SyncManager) GetSyncStatus() models.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.status
	status.PendingChanges = len(m.pendingChanges) + len(m.missingRemote)
	return status
}

// HasSyncedThread reports whether a context was reconciled this lifetime
func (m *SyncManager) HasSyncedThread(contextID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.syncedThreads[contextID]
	return ok
}

func (m *SyncManager) markSynced(contextID string) {
	m.mu.Lock()
	m.syncedThreads[contextID] = struct{}{}
	m.mu.Unlock()
}

func (m *SyncManager) addPendingChange(sessionID string) {
	m.mu.Lock()
	m.pendingChanges[sessionID] = struct{}{}
	m.mu.Unlock()
}

func (m *SyncManager) removePendingChange(sessionID string) {
	m.mu.Lock()
	delete(m.pendingChanges, sessionID)
	m.mu.Unlock()
}

func (m *SyncManager) publishContextSynced(contextID, sessionID string) {
	m.bus.Publish(Event{
		Kind:       EventContextSynced,
		AgentScope: m.store.Scope(),
		ContextID:  contextID,
		SessionID:  sessionID,
	})
}
