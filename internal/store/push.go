package store

// Push recipients come in two forms: opaque chat identities (side-channel
// messaging integrations) and client identities (webapp devices).

func (s *Store) AddChatRecipient(namespace, chatID string) {
	if namespace == "" || chatID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pushChatsByNS[namespace] {
		if existing == chatID {
			return
		}
	}
	s.pushChatsByNS[namespace] = append(s.pushChatsByNS[namespace], chatID)
}

func (s *Store) AddClientRecipient(namespace, clientID string) {
	if namespace == "" || clientID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pushClientsByNS[namespace] {
		if existing == clientID {
			return
		}
	}
	s.pushClientsByNS[namespace] = append(s.pushClientsByNS[namespace], clientID)
}

func (s *Store) ListPushRecipients(namespace string) (chats []string, clients []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats = append([]string(nil), s.pushChatsByNS[namespace]...)
	clients = append([]string(nil), s.pushClientsByNS[namespace]...)
	return chats, clients
}

func (s *Store) RemoveClientRecipient(namespace, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.pushClientsByNS[namespace]
	for i, existing := range clients {
		if existing == clientID {
			s.pushClientsByNS[namespace] = append(clients[:i], clients[i+1:]...)
			return
		}
	}
}
