package registrar

import (
	"sort"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

type ContactBinding struct {
	Login     string
	Contact   sip.Uri
	ExpiresAt time.Time
	Source    string // host:port the REGISTER came from
}

// Registrar maps reader logins to their current SIP contact.
type Registrar struct {
	mu  sync.RWMutex
	loc map[string]ContactBinding
	ttl time.Duration
	now func() time.Time
}

func New(ttl time.Duration) *Registrar {
	return &Registrar{
		loc: make(map[string]ContactBinding),
		ttl: ttl,
		now: time.Now,
	}
}

func (r *Registrar) Put(login string, contact sip.Uri, source string, expires time.Duration) {
	if expires <= 0 {
		expires = r.ttl
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loc[login] = ContactBinding{
		Login:     login,
		Contact:   contact,
		ExpiresAt: r.now().Add(expires),
		Source:    source,
	}
}

func (r *Registrar) Get(login string) (ContactBinding, bool) {
	r.mu.RLock()
	b, ok := r.loc[login]
	r.mu.RUnlock()
	if !ok {
		return ContactBinding{}, false
	}
	if r.now().After(b.ExpiresAt) {
		r.mu.Lock()
		delete(r.loc, login)
		r.mu.Unlock()
		return ContactBinding{}, false
	}
	return b, true
}

// All returns the live bindings sorted by login, dropping expired ones.
func (r *Registrar) All() []ContactBinding {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ContactBinding, 0, len(r.loc))
	for login, b := range r.loc {
		if now.After(b.ExpiresAt) {
			delete(r.loc, login)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

func (r *Registrar) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.loc)
}

func (r *Registrar) Delete(login string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loc, login)
}
