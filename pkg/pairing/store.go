package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the authentikey pinned for each card as a JSON file.
type Store struct {
	mu     sync.Mutex
	path   string
	values map[string]*Info
}

func NewStore(storage string) (*Store, error) {
	p := &Store{path: storage}
	b, err := os.ReadFile(p.path)

	if err != nil {
		if os.IsNotExist(err) {
			parent := filepath.Dir(p.path)
			err = os.MkdirAll(parent, 0750)

			if err != nil {
				return nil, err
			}

			p.values = map[string]*Info{}
		} else {
			return nil, err
		}
	} else {
		err = json.Unmarshal(b, &p.values)

		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Store) save() error {
	b, err := json.Marshal(p.values)

	if err != nil {
		return err
	}

	return os.WriteFile(p.path, b, 0640)
}

func (p *Store) Store(cardID string, info *Info) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.values[cardID] = info
	return p.save()
}

func (p *Store) Get(cardID string) *Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.values[cardID]
}

func (p *Store) Delete(cardID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.values, cardID)
	return p.save()
}
