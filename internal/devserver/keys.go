package devserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/seantiz/remotefn/internal/model"
)

var (
	ErrKeyExists   = errors.New("api key already exists")
	ErrKeyNotFound = errors.New("api key not found")
)

// KeyStore holds the master key, the static API keys accepted for every
// function and the scoped keys generated per function.
type KeyStore struct {
	mu     sync.RWMutex
	master string
	static []string
	scoped map[string]map[string]model.APIKey
}

// NewKeyStore creates a key store. The master key also authorizes every
// function call.
func NewKeyStore(master string, apiKeys ...string) *KeyStore {
	return &KeyStore{
		master: master,
		static: apiKeys,
		scoped: make(map[string]map[string]model.APIKey),
	}
}

func tokenEqual(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsMaster reports whether token is the master key.
func (k *KeyStore) IsMaster(token string) bool {
	return tokenEqual(token, k.master)
}

// Authorize checks a bearer token for calls on function uid. Scoped keys are
// returned so their limits can be enforced.
func (k *KeyStore) Authorize(uid, token string) (model.APIKey, bool) {
	if k.IsMaster(token) {
		return model.APIKey{Name: "master"}, true
	}
	for _, s := range k.static {
		if tokenEqual(token, s) {
			return model.APIKey{Name: "static"}, true
		}
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, key := range k.scoped[uid] {
		if tokenEqual(token, key.Key) {
			return key, true
		}
	}
	return model.APIKey{}, false
}

// Create generates a secret for a new scoped key of function uid.
func (k *KeyStore) Create(uid string, key model.APIKey) (model.APIKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, ok := k.scoped[uid]
	if !ok {
		keys = make(map[string]model.APIKey)
		k.scoped[uid] = keys
	}
	if _, exists := keys[key.Name]; exists {
		return model.APIKey{}, fmt.Errorf("%w: %s", ErrKeyExists, key.Name)
	}
	key.Key = uuid.NewString()
	keys[key.Name] = key
	return key, nil
}

// Delete revokes a scoped key.
func (k *KeyStore) Delete(uid, name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.scoped[uid][name]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	delete(k.scoped[uid], name)
	return nil
}

// List returns the scoped keys of uid sorted by name, secrets omitted.
func (k *KeyStore) List(uid string) []model.APIKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]model.APIKey, 0, len(k.scoped[uid]))
	for _, key := range k.scoped[uid] {
		key.Key = ""
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}
