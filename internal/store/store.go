package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sync-server/internal/model"
)

// Store is the persistence collaborator of the sync engine: sessions,
// machines, messages, groups and push recipients, all partitioned by
// namespace. Everything lives in memory except the machine table, which is
// snapshotted to a JSON file when configured.
type Store struct {
	mu sync.RWMutex

	log zerolog.Logger

	machinesStateFile string
	persistMu         sync.Mutex

	sessionsByID map[string]model.SessionRow
	machinesByID map[string]model.MachineRow

	groupsByID map[string]model.SessionGroup
	groupMsgs  map[string][]model.GroupMessage

	pushChatsByNS   map[string][]string
	pushClientsByNS map[string][]string

	messages *messageStore
	seq      *seqGenerator
}

type Options struct {
	MachinesStateFile string
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		log:               zerolog.New(os.Stderr).With().Timestamp().Str("component", "store").Logger(),
		sessionsByID:      make(map[string]model.SessionRow),
		machinesByID:      make(map[string]model.MachineRow),
		groupsByID:        make(map[string]model.SessionGroup),
		groupMsgs:         make(map[string][]model.GroupMessage),
		pushChatsByNS:     make(map[string][]string),
		pushClientsByNS:   make(map[string][]string),
		messages:          newMessageStore(),
		seq:               newSeqGenerator(),
		machinesStateFile: opts.MachinesStateFile,
	}

	if s.machinesStateFile != "" {
		if err := s.loadMachinesFromFile(s.machinesStateFile); err != nil {
			s.log.Error().Err(err).Str("path", s.machinesStateFile).Msg("machines persistence: load failed")
		}
	}

	return s
}

type persistedMachinesFile struct {
	Version  int                `json:"version"`
	Machines []model.MachineRow `json:"machines"`
	SavedAt  int64              `json:"savedAt"`
}

func (s *Store) loadMachinesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedMachinesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported machines state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range file.Machines {
		if m.ID == "" || m.Namespace == "" {
			continue
		}
		s.machinesByID[m.ID] = m
	}
	return nil
}

func (s *Store) snapshotMachinesLocked() []model.MachineRow {
	result := make([]model.MachineRow, 0, len(s.machinesByID))
	for _, m := range s.machinesByID {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) persistMachinesSnapshot(machines []model.MachineRow) {
	path := s.machinesStateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.log.Error().Err(err).Str("dir", dir).Msg("machines persistence: mkdir failed")
		return
	}

	file := persistedMachinesFile{Version: 1, Machines: machines, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("machines persistence: marshal failed")
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		s.log.Error().Err(err).Msg("machines persistence: create temp failed")
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		s.log.Error().Err(err).Msg("machines persistence: chmod temp failed")
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		s.log.Error().Err(err).Msg("machines persistence: write temp failed")
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		s.log.Error().Err(err).Msg("machines persistence: sync temp failed")
		return
	}
	if err := tmp.Close(); err != nil {
		s.log.Error().Err(err).Msg("machines persistence: close temp failed")
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		s.log.Error().Err(err).Msg("machines persistence: rename failed")
		return
	}
}

func (s *Store) CreateSession(namespace, metadata string, agentState *string, nowMillis int64) (model.SessionRow, error) {
	if namespace == "" {
		return model.SessionRow{}, errors.New("missing namespace")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metadataVersion := 0
	if metadata != "" {
		metadataVersion = 1
	}
	agentStateVersion := 0
	if agentState != nil {
		agentStateVersion = 1
	}

	row := model.SessionRow{
		ID:                uuid.NewString(),
		Namespace:         namespace,
		Seq:               0,
		Metadata:          metadata,
		MetadataVersion:   metadataVersion,
		AgentState:        agentState,
		AgentStateVersion: agentStateVersion,
		CreatedAt:         nowMillis,
		UpdatedAt:         nowMillis,
	}
	s.sessionsByID[row.ID] = row
	return row, nil
}

// CreateSessionWithID inserts a row under a caller-chosen id. Used when a
// liveness signal references a session this server has never stored.
func (s *Store) CreateSessionWithID(namespace, sessionID string, nowMillis int64) (model.SessionRow, error) {
	if namespace == "" || sessionID == "" {
		return model.SessionRow{}, errors.New("missing namespace or session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessionsByID[sessionID]; ok && !existing.Deleted {
		if existing.Namespace != namespace {
			return model.SessionRow{}, errors.New("session belongs to another namespace")
		}
		return existing, nil
	}

	row := model.SessionRow{
		ID:        sessionID,
		Namespace: namespace,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.sessionsByID[sessionID] = row
	return row, nil
}

func (s *Store) GetSessionRow(namespace, sessionID string) (model.SessionRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.sessionsByID[sessionID]
	if !ok || row.Namespace != namespace || row.Deleted {
		return model.SessionRow{}, false
	}
	return row, true
}

// SessionNamespace resolves the tenant partition of a session id.
func (s *Store) SessionNamespace(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.sessionsByID[sessionID]
	if !ok || row.Deleted {
		return "", false
	}
	return row.Namespace, true
}

// MachineNamespace resolves the tenant partition of a machine id.
func (s *Store) MachineNamespace(machineID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machinesByID[machineID]
	if !ok {
		return "", false
	}
	return m.Namespace, true
}

func (s *Store) ListSessionRows(namespace string) []model.SessionRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.SessionRow, 0)
	for _, row := range s.sessionsByID {
		if row.Namespace == namespace && !row.Deleted {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result
}

func (s *Store) UpdateSessionMetadata(namespace, sessionID string, expectedVersion int, metadata string, nowMillis int64) (status string, version int, currentValue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessionsByID[sessionID]
	if !ok || row.Namespace != namespace || row.Deleted {
		return "not-found", 0, ""
	}
	if expectedVersion != row.MetadataVersion {
		return "version-mismatch", row.MetadataVersion, row.Metadata
	}

	row.Metadata = metadata
	row.MetadataVersion++
	row.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = row
	return "success", row.MetadataVersion, row.Metadata
}

func (s *Store) UpdateSessionAgentState(namespace, sessionID string, expectedVersion int, agentState *string, nowMillis int64) (status string, version int, currentValue *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessionsByID[sessionID]
	if !ok || row.Namespace != namespace || row.Deleted {
		return "not-found", 0, nil
	}
	if expectedVersion != row.AgentStateVersion {
		return "version-mismatch", row.AgentStateVersion, row.AgentState
	}

	row.AgentState = agentState
	row.AgentStateVersion++
	row.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = row
	return "success", row.AgentStateVersion, row.AgentState
}

func (s *Store) SetSessionTodos(namespace, sessionID, todos string, nowMillis int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessionsByID[sessionID]
	if !ok || row.Namespace != namespace || row.Deleted {
		return false
	}
	row.Todos = todos
	row.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = row
	return true
}

func (s *Store) BumpSessionSeq(namespace, sessionID string, nowMillis int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessionsByID[sessionID]
	if !ok || row.Namespace != namespace || row.Deleted {
		return 0, false
	}
	row.Seq++
	row.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = row
	return row.Seq, true
}

func (s *Store) DeleteSession(namespace, sessionID string, nowMillis int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessionsByID[sessionID]
	if !ok || row.Namespace != namespace || row.Deleted {
		return false
	}
	row.Deleted = true
	row.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = row

	s.messages.deleteSession(sessionID)
	return true
}

// AppendMessage stores a message and bumps the session row's seq so row
// readers observe the new activity.
func (s *Store) AppendMessage(namespace, sessionID, content string, nowMillis int64) (model.SessionMessage, error) {
	if _, ok := s.BumpSessionSeq(namespace, sessionID, nowMillis); !ok {
		return model.SessionMessage{}, errors.New("session not found")
	}

	seq := s.seq.nextForSession(sessionID)
	msg := model.SessionMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Content:   content,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.messages.append(sessionID, msg)
	return msg, nil
}

func (s *Store) ListMessagesAfter(namespace, sessionID string, after int64, limit int) ([]model.SessionMessage, error) {
	_, ok := s.GetSessionRow(namespace, sessionID)
	if !ok {
		return nil, errors.New("session not found")
	}
	if limit <= 0 {
		limit = 100
	}
	return s.messages.getAfter(sessionID, after, limit), nil
}

// ListRecentMessages returns up to limit messages, newest first.
func (s *Store) ListRecentMessages(namespace, sessionID string, limit int) []model.SessionMessage {
	_, ok := s.GetSessionRow(namespace, sessionID)
	if !ok {
		return nil
	}
	return s.messages.getRecent(sessionID, limit)
}

func (s *Store) CountMessages(namespace, sessionID string) int {
	_, ok := s.GetSessionRow(namespace, sessionID)
	if !ok {
		return 0
	}
	return s.messages.count(sessionID)
}

func (s *Store) ClearMessages(namespace, sessionID string) bool {
	_, ok := s.GetSessionRow(namespace, sessionID)
	if !ok {
		return false
	}
	s.messages.deleteSession(sessionID)
	return true
}

func (s *Store) UpsertMachine(namespace, machineID, metadata string, daemonState *string, nowMillis int64) (model.MachineRow, bool, error) {
	if machineID == "" {
		return model.MachineRow{}, false, errors.New("missing machine id")
	}

	s.mu.Lock()

	if existing, ok := s.machinesByID[machineID]; ok {
		if existing.Namespace != namespace {
			s.mu.Unlock()
			return model.MachineRow{}, false, errors.New("machine belongs to another namespace")
		}

		changed := false
		if metadata != "" && metadata != existing.Metadata {
			existing.Metadata = metadata
			existing.MetadataVersion++
			changed = true
		}
		if daemonState != nil {
			if existing.DaemonState == nil || *existing.DaemonState != *daemonState {
				existing.DaemonState = daemonState
				existing.DaemonStateVersion++
				changed = true
			}
		}
		var snapshot []model.MachineRow
		if changed {
			existing.UpdatedAt = nowMillis
			s.machinesByID[machineID] = existing
			if s.machinesStateFile != "" {
				snapshot = s.snapshotMachinesLocked()
			}
		}
		s.mu.Unlock()
		if snapshot != nil {
			s.persistMachinesSnapshot(snapshot)
		}
		return existing, false, nil
	}

	metadataVersion := 0
	if metadata != "" {
		metadataVersion = 1
	}
	daemonStateVersion := 0
	if daemonState != nil {
		daemonStateVersion = 1
	}

	m := model.MachineRow{
		ID:                 machineID,
		Namespace:          namespace,
		Metadata:           metadata,
		MetadataVersion:    metadataVersion,
		DaemonState:        daemonState,
		DaemonStateVersion: daemonStateVersion,
		CreatedAt:          nowMillis,
		UpdatedAt:          nowMillis,
	}
	s.machinesByID[machineID] = m
	var snapshot []model.MachineRow
	if s.machinesStateFile != "" {
		snapshot = s.snapshotMachinesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistMachinesSnapshot(snapshot)
	}
	return m, true, nil
}

func (s *Store) GetMachineRow(namespace, machineID string) (model.MachineRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machinesByID[machineID]
	if !ok || m.Namespace != namespace {
		return model.MachineRow{}, false
	}
	return m, true
}

func (s *Store) ListMachineRows(namespace string) []model.MachineRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.MachineRow, 0)
	for _, m := range s.machinesByID {
		if m.Namespace == namespace {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result
}

func (s *Store) UpdateMachineMetadata(namespace, machineID string, expectedVersion int, metadata string, nowMillis int64) (status string, version int, currentValue string) {
	s.mu.Lock()

	m, ok := s.machinesByID[machineID]
	if !ok || m.Namespace != namespace {
		s.mu.Unlock()
		return "not-found", 0, ""
	}
	if expectedVersion != m.MetadataVersion {
		s.mu.Unlock()
		return "version-mismatch", m.MetadataVersion, m.Metadata
	}

	m.Metadata = metadata
	m.MetadataVersion++
	m.UpdatedAt = nowMillis
	s.machinesByID[machineID] = m

	var snapshot []model.MachineRow
	if s.machinesStateFile != "" {
		snapshot = s.snapshotMachinesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistMachinesSnapshot(snapshot)
	}
	return "success", m.MetadataVersion, m.Metadata
}

func (s *Store) UpdateMachineDaemonState(namespace, machineID string, expectedVersion int, daemonState *string, nowMillis int64) (status string, version int, currentValue *string) {
	s.mu.Lock()

	m, ok := s.machinesByID[machineID]
	if !ok || m.Namespace != namespace {
		s.mu.Unlock()
		return "not-found", 0, nil
	}
	if expectedVersion != m.DaemonStateVersion {
		s.mu.Unlock()
		return "version-mismatch", m.DaemonStateVersion, m.DaemonState
	}

	m.DaemonState = daemonState
	m.DaemonStateVersion++
	m.UpdatedAt = nowMillis
	s.machinesByID[machineID] = m

	var snapshot []model.MachineRow
	if s.machinesStateFile != "" {
		snapshot = s.snapshotMachinesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistMachinesSnapshot(snapshot)
	}
	return "success", m.DaemonStateVersion, m.DaemonState
}
