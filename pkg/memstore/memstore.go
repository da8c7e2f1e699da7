// Package memstore implements in-memory storage for onebox.
package memstore

import (
	"sync"

	"github.com/abdshomad/onebox-rs/pkg/relay"
	"github.com/abdshomad/onebox-rs/pkg/wire"
)

// ClientStore keeps accounting records in-memory. Useful for deployments that
// don't need persistence, and for tests.
type ClientStore struct {
	clients sync.Map
}

// NewClientStore creates a new ClientStore.
func NewClientStore() *ClientStore {
	return &ClientStore{}
}

func (m *ClientStore) SaveClient(r *relay.ClientRecord) error {
	if r != nil {
		m.clients.Store(r.ID, *r)
	}
	return nil
}

func (m *ClientStore) GetClient(id wire.ClientID) (*relay.ClientRecord, error) {
	v, ok := m.clients.Load(id)
	if !ok {
		return nil, nil
	}
	r := v.(relay.ClientRecord)
	return &r, nil
}

func (m *ClientStore) ListClients() ([]relay.ClientRecord, error) {
	var rs []relay.ClientRecord
	m.clients.Range(func(_, v any) bool {
		rs = append(rs, v.(relay.ClientRecord))
		return true
	})
	return rs, nil
}
