package store

import (
	"errors"

	"github.com/google/uuid"

	"sync-server/internal/model"
)

const maxGroupMessages = 500

func (s *Store) CreateGroup(namespace, name string, members []string, nowMillis int64) (model.SessionGroup, error) {
	if namespace == "" {
		return model.SessionGroup{}, errors.New("missing namespace")
	}
	if name == "" {
		return model.SessionGroup{}, errors.New("missing group name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := model.SessionGroup{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Name:      name,
		Members:   append([]string(nil), members...),
		CreatedAt: nowMillis,
	}
	s.groupsByID[g.ID] = g
	return g, nil
}

func (s *Store) GetGroup(namespace, groupID string) (model.SessionGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groupsByID[groupID]
	if !ok || g.Namespace != namespace {
		return model.SessionGroup{}, false
	}
	return g, true
}

func (s *Store) AddGroupMember(namespace, groupID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groupsByID[groupID]
	if !ok || g.Namespace != namespace {
		return false
	}
	for _, m := range g.Members {
		if m == sessionID {
			return true
		}
	}
	g.Members = append(g.Members, sessionID)
	s.groupsByID[groupID] = g
	return true
}

func (s *Store) ListGroupsForSession(namespace, sessionID string) []model.SessionGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.SessionGroup, 0)
	for _, g := range s.groupsByID {
		if g.Namespace != namespace {
			continue
		}
		for _, m := range g.Members {
			if m == sessionID {
				result = append(result, g)
				break
			}
		}
	}
	return result
}

func (s *Store) AppendGroupMessage(namespace, groupID, sessionID, text string, nowMillis int64) (model.GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groupsByID[groupID]
	if !ok || g.Namespace != namespace {
		return model.GroupMessage{}, errors.New("group not found")
	}

	msg := model.GroupMessage{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		SessionID: sessionID,
		Text:      text,
		CreatedAt: nowMillis,
	}
	msgs := append(s.groupMsgs[groupID], msg)
	if len(msgs) > maxGroupMessages {
		msgs = msgs[len(msgs)-maxGroupMessages:]
	}
	s.groupMsgs[groupID] = msgs
	return msg, nil
}

func (s *Store) ListGroupMessages(namespace, groupID string, limit int) []model.GroupMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groupsByID[groupID]
	if !ok || g.Namespace != namespace {
		return nil
	}
	msgs := s.groupMsgs[groupID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.GroupMessage(nil), msgs...)
}
