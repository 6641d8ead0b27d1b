package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/access-relay-go/capability"
)

// Store is an in-memory implementation of capability.Store.
type Store struct {
	mu sync.RWMutex

	accounts map[string]*capability.Account
	clients  map[string]*capability.Client
	accesses map[string]*capability.Access
	sessions map[string]*capability.AuthenticationSession

	accountByEmail   map[string]string
	clientBySymbol   map[string]string
	clientByOwnerURL map[string]string
	accessByToken    map[string]string
	accessByPair     map[string]string
	sessionByToken   map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:         make(map[string]*capability.Account),
		clients:          make(map[string]*capability.Client),
		accesses:         make(map[string]*capability.Access),
		sessions:         make(map[string]*capability.AuthenticationSession),
		accountByEmail:   make(map[string]string),
		clientBySymbol:   make(map[string]string),
		clientByOwnerURL: make(map[string]string),
		accessByToken:    make(map[string]string),
		accessByPair:     make(map[string]string),
		sessionByToken:   make(map[string]string),
	}
}

func ownerURLKey(ownerID, urlName string) string { return ownerID + "\x00" + urlName }

// claim checks that key is free (or already held by id) in idx.
func claim(idx map[string]string, key, id string) bool {
	if key == "" {
		return true
	}
	holder, ok := idx[key]
	return !ok || holder == id
}

func release(idx map[string]string, key, id string) {
	if key != "" && idx[key] == id {
		delete(idx, key)
	}
}

func notFound(kind string) error {
	return capability.Errorf(capability.ErrNotFound, "No %s with given ID", kind)
}

func conflict(format string, args ...any) error {
	return capability.Errorf(capability.ErrConflict, format, args...)
}

// --- Accounts ---

func (s *Store) InsertAccount(ctx context.Context, a *capability.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return conflict("Account %s already exists", a.ID)
	}
	if !claim(s.accountByEmail, a.Email, a.ID) {
		return conflict("Email %s is already in use", a.Email)
	}
	s.accounts[a.ID] = a.Clone()
	s.accountByEmail[a.Email] = a.ID
	return nil
}

func (s *Store) UpdateAccount(ctx context.Context, a *capability.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.accounts[a.ID]
	if !ok {
		return notFound("account")
	}
	if !claim(s.accountByEmail, a.Email, a.ID) {
		return conflict("Email %s is already in use", a.Email)
	}
	release(s.accountByEmail, prev.Email, a.ID)
	s.accountByEmail[a.Email] = a.ID
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*capability.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, notFound("account")
	}
	return a.Clone(), nil
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*capability.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.accountByEmail[email]
	if !ok {
		return nil, capability.Errorf(capability.ErrNotFound, capability.MsgNoAccountForEmail)
	}
	return s.accounts[id].Clone(), nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return notFound("account")
	}
	release(s.accountByEmail, a.Email, id)
	delete(s.accounts, id)
	return nil
}

// --- Clients ---

func (s *Store) checkClientIndexes(c *capability.Client) error {
	if !claim(s.clientBySymbol, c.Symbol, c.ID) {
		return conflict("Symbol %s is already in use", c.Symbol)
	}
	if !claim(s.clientByOwnerURL, ownerURLKey(c.OwnerID, c.URLName), c.ID) {
		return conflict("A client named %q already exists for this owner", c.Name)
	}
	return nil
}

func (s *Store) InsertClient(ctx context.Context, c *capability.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return conflict("Client %s already exists", c.ID)
	}
	if err := s.checkClientIndexes(c); err != nil {
		return err
	}
	s.indexClient(c)
	s.clients[c.ID] = c.Clone()
	return nil
}

func (s *Store) UpdateClient(ctx context.Context, c *capability.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.clients[c.ID]
	if !ok {
		return notFound("client")
	}
	if err := s.checkClientIndexes(c); err != nil {
		return err
	}
	s.unindexClient(prev)
	s.indexClient(c)
	s.clients[c.ID] = c.Clone()
	return nil
}

func (s *Store) indexClient(c *capability.Client) {
	if c.Symbol != "" {
		s.clientBySymbol[c.Symbol] = c.ID
	}
	s.clientByOwnerURL[ownerURLKey(c.OwnerID, c.URLName)] = c.ID
}

func (s *Store) unindexClient(c *capability.Client) {
	release(s.clientBySymbol, c.Symbol, c.ID)
	release(s.clientByOwnerURL, ownerURLKey(c.OwnerID, c.URLName), c.ID)
}

func (s *Store) GetClient(ctx context.Context, id string) (*capability.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, notFound("client")
	}
	return c.Clone(), nil
}

func (s *Store) FindClientBySymbol(ctx context.Context, symbol string) (*capability.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clientBySymbol[symbol]
	if !ok || symbol == "" {
		return nil, capability.Errorf(capability.ErrNotFound, "No client with given symbol")
	}
	return s.clients[id].Clone(), nil
}

func (s *Store) FindClientByOwnerURLName(ctx context.Context, ownerID, urlName string) (*capability.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clientByOwnerURL[ownerURLKey(ownerID, urlName)]
	if !ok {
		return nil, capability.Errorf(capability.ErrNotFound, "No client with given name")
	}
	return s.clients[id].Clone(), nil
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return notFound("client")
	}
	s.unindexClient(c)
	delete(s.clients, id)
	return nil
}

// --- Accesses ---

func (s *Store) checkAccessIndexes(a *capability.Access) error {
	if !claim(s.accessByToken, a.Token, a.ID) {
		return conflict("Token is already in use")
	}
	if !claim(s.accessByPair, a.PairKey(), a.ID) {
		return conflict("A live access already exists for this account and client")
	}
	return nil
}

func (s *Store) indexAccess(a *capability.Access) {
	s.accessByToken[a.Token] = a.ID
	if k := a.PairKey(); k != "" {
		s.accessByPair[k] = a.ID
	}
}

func (s *Store) unindexAccess(a *capability.Access) {
	release(s.accessByToken, a.Token, a.ID)
	release(s.accessByPair, a.PairKey(), a.ID)
}

func (s *Store) InsertAccess(ctx context.Context, a *capability.Access) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accesses[a.ID]; ok {
		return conflict("Access %s already exists", a.ID)
	}
	if err := s.checkAccessIndexes(a); err != nil {
		return err
	}
	s.indexAccess(a)
	s.accesses[a.ID] = a.Clone()
	return nil
}

func (s *Store) UpdateAccess(ctx context.Context, a *capability.Access) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.accesses[a.ID]
	if !ok {
		return notFound("access")
	}
	if err := s.checkAccessIndexes(a); err != nil {
		return err
	}
	s.unindexAccess(prev)
	s.indexAccess(a)
	s.accesses[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAccess(ctx context.Context, id string) (*capability.Access, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accesses[id]
	if !ok {
		return nil, notFound("access")
	}
	return a.Clone(), nil
}

func (s *Store) FindAccessByToken(ctx context.Context, token string) (*capability.Access, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.accessByToken[token]
	if !ok {
		return nil, capability.Errorf(capability.ErrNotFound, capability.MsgNoAccess)
	}
	return s.accesses[id].Clone(), nil
}

func (s *Store) FindAccesses(ctx context.Context, f capability.AccessFilter) ([]*capability.Access, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	candidates := make([]*capability.Access, 0, len(s.accesses))
	if f.Token != "" {
		if id, ok := s.accessByToken[f.Token]; ok {
			candidates = append(candidates, s.accesses[id].Clone())
		}
	} else {
		for _, a := range s.accesses {
			candidates = append(candidates, a.Clone())
		}
	}
	return capability.ApplyAccessFilter(candidates, f), nil
}

func (s *Store) DeleteAccess(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accesses[id]
	if !ok {
		return notFound("access")
	}
	s.unindexAccess(a)
	delete(s.accesses, id)
	return nil
}

func (s *Store) DeleteExpiredAccesses(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.accesses {
		if a.Blocked || !a.Expired(now) {
			continue
		}
		s.unindexAccess(a)
		delete(s.accesses, id)
		n++
	}
	return n, nil
}

// --- Authentication sessions ---

func (s *Store) InsertSession(ctx context.Context, sess *capability.AuthenticationSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return conflict("Session %s already exists", sess.ID)
	}
	if !claim(s.sessionByToken, sess.Token, sess.ID) {
		return conflict("Token is already in use")
	}
	s.sessionByToken[sess.Token] = sess.ID
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) FindSessionByToken(ctx context.Context, token string) (*capability.AuthenticationSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessionByToken[token]
	if !ok {
		return nil, capability.Errorf(capability.ErrNotFound, "No session with given token")
	}
	return s.sessions[id].Clone(), nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound("session")
	}
	release(s.sessionByToken, sess.Token, id)
	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.Expired(now) {
			continue
		}
		release(s.sessionByToken, sess.Token, id)
		delete(s.sessions, id)
		n++
	}
	return n, nil
}

var _ capability.Store = (*Store)(nil)
