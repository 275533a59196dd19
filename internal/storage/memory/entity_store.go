package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

// Approximate per-row overheads used by SizeBytes.
const (
	personRowBytes       = 64
	songRowBytes         = 96
	contributionRowBytes = 24
)

type state struct {
	persons      map[int64]store.Person
	songs        map[int64]store.Song
	contribs     map[store.Contribution]struct{}
	nextPersonID int64
	nextSongID   int64
}

func newState() *state {
	return &state{
		persons:      make(map[int64]store.Person),
		songs:        make(map[int64]store.Song),
		contribs:     make(map[store.Contribution]struct{}),
		nextPersonID: 1,
		nextSongID:   1,
	}
}

func (st *state) clone() *state {
	out := &state{
		persons:      make(map[int64]store.Person, len(st.persons)),
		songs:        make(map[int64]store.Song, len(st.songs)),
		contribs:     make(map[store.Contribution]struct{}, len(st.contribs)),
		nextPersonID: st.nextPersonID,
		nextSongID:   st.nextSongID,
	}
	for k, v := range st.persons {
		out.persons[k] = v
	}
	for k, v := range st.songs {
		out.songs[k] = v
	}
	for k := range st.contribs {
		out.contribs[k] = struct{}{}
	}
	return out
}

// EntityStore keeps entities in maps. Transactions run against a private
// copy that replaces the live state on commit, so a failed unit leaves no
// trace.
type EntityStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

var _ store.EntityStore = (*EntityStore)(nil)

// NewEntityStore constructs an empty EntityStore.
func NewEntityStore() *EntityStore {
	return &EntityStore{st: newState()}
}

// PersonByID implements store.Reader.
func (s *EntityStore) PersonByID(ctx context.Context, id int64) (store.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.PersonByID(ctx, id)
}

// PersonByCanonicalID implements store.Reader.
func (s *EntityStore) PersonByCanonicalID(ctx context.Context, canonicalID string) (store.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.PersonByCanonicalID(ctx, canonicalID)
}

// PersonByName implements store.Reader.
func (s *EntityStore) PersonByName(ctx context.Context, name string) (store.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.PersonByName(ctx, name)
}

// SongByCanonicalID implements store.Reader.
func (s *EntityStore) SongByCanonicalID(ctx context.Context, canonicalID string) (store.Song, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.SongByCanonicalID(ctx, canonicalID)
}

// ContributionExists implements store.Reader.
func (s *EntityStore) ContributionExists(ctx context.Context, c store.Contribution) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.st}.ContributionExists(ctx, c)
}

// WithTx runs fn against a copy of the state and publishes it when fn
// succeeds. Transactions are serialized.
func (s *EntityStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&tx{reader: reader{st: working}}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = working
	s.mu.Unlock()
	return nil
}

// ExploredCanonicalIDs lists canonical ids of explored persons, sorted.
func (s *EntityStore) ExploredCanonicalIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, p := range s.st.persons {
		if p.IsExplored && p.CanonicalID != nil {
			ids = append(ids, *p.CanonicalID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Collaborations returns (song, other person) pairs ordered by person id
// then song id, one row per edge of the other person.
func (s *EntityStore) Collaborations(_ context.Context, rootPersonID int64) ([]store.CollaborationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rootSongs := make(map[int64]struct{})
	for c := range s.st.contribs {
		if c.PersonID == rootPersonID {
			rootSongs[c.SongID] = struct{}{}
		}
	}
	var out []store.CollaborationRow
	for c := range s.st.contribs {
		if c.PersonID == rootPersonID {
			continue
		}
		if _, shared := rootSongs[c.SongID]; !shared {
			continue
		}
		out = append(out, store.CollaborationRow{Song: s.st.songs[c.SongID], Collaborator: s.st.persons[c.PersonID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collaborator.ID != out[j].Collaborator.ID {
			return out[i].Collaborator.ID < out[j].Collaborator.ID
		}
		return out[i].Song.ID < out[j].Song.ID
	})
	return out, nil
}

// SizeBytes estimates the footprint of stored rows.
func (s *EntityStore) SizeBytes(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, p := range s.st.persons {
		total += personRowBytes + int64(len(p.Name)+len(store.Deref(p.CanonicalID))+len(store.Deref(p.ExternalID)))
	}
	for _, song := range s.st.songs {
		total += songRowBytes + int64(len(song.Title)+len(song.Artist)+len(song.SourceURL)+
			len(store.Deref(song.CanonicalID))+len(store.Deref(song.Album)))
	}
	for c := range s.st.contribs {
		total += contributionRowBytes + int64(len(c.Role))
	}
	return total, nil
}

// Counts returns table cardinalities.
func (s *EntityStore) Counts(_ context.Context) (store.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.Counts{
		Persons:       int64(len(s.st.persons)),
		Songs:         int64(len(s.st.songs)),
		Contributions: int64(len(s.st.contribs)),
	}, nil
}

// DeleteSong removes a song and its contributions.
func (s *EntityStore) DeleteSong(_ context.Context, id int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.songs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.st.songs, id)
	for c := range s.st.contribs {
		if c.SongID == id {
			delete(s.st.contribs, c)
		}
	}
	return nil
}

// DeletePerson removes a person and their contributions.
func (s *EntityStore) DeletePerson(_ context.Context, id int64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.persons[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.st.persons, id)
	for c := range s.st.contribs {
		if c.PersonID == id {
			delete(s.st.contribs, c)
		}
	}
	return nil
}

// Close is a no-op.
func (s *EntityStore) Close() error {
	return nil
}

type reader struct {
	st *state
}

func (r reader) PersonByID(_ context.Context, id int64) (store.Person, error) {
	p, ok := r.st.persons[id]
	if !ok {
		return store.Person{}, store.ErrNotFound
	}
	return p, nil
}

func (r reader) PersonByCanonicalID(_ context.Context, canonicalID string) (store.Person, error) {
	for _, p := range r.st.persons {
		if p.CanonicalID != nil && *p.CanonicalID == canonicalID {
			return p, nil
		}
	}
	return store.Person{}, store.ErrNotFound
}

func (r reader) PersonByName(_ context.Context, name string) (store.Person, error) {
	var (
		best  store.Person
		found bool
	)
	for _, p := range r.st.persons {
		if p.Name == name && (!found || p.ID < best.ID) {
			best, found = p, true
		}
	}
	if !found {
		return store.Person{}, store.ErrNotFound
	}
	return best, nil
}

func (r reader) SongByCanonicalID(_ context.Context, canonicalID string) (store.Song, error) {
	for _, s := range r.st.songs {
		if s.CanonicalID != nil && *s.CanonicalID == canonicalID {
			return s, nil
		}
	}
	return store.Song{}, store.ErrNotFound
}

func (r reader) ContributionExists(_ context.Context, c store.Contribution) (bool, error) {
	_, ok := r.st.contribs[c]
	return ok, nil
}

type tx struct {
	reader
}

var _ store.Tx = (*tx)(nil)

func (t *tx) CreatePerson(ctx context.Context, np store.NewPerson) (store.Person, error) {
	if np.CanonicalID != nil {
		if _, err := t.PersonByCanonicalID(ctx, *np.CanonicalID); err == nil {
			return store.Person{}, store.ErrConflict
		}
	} else {
		for _, p := range t.st.persons {
			if p.CanonicalID == nil && p.Name == np.Name {
				return store.Person{}, store.ErrConflict
			}
		}
	}
	p := store.Person{ID: t.st.nextPersonID, Name: np.Name, CanonicalID: copyString(np.CanonicalID)}
	t.st.nextPersonID++
	t.st.persons[p.ID] = p
	return p, nil
}

func (t *tx) AttachCanonicalID(ctx context.Context, personID int64, canonicalID string) (store.Person, error) {
	p, ok := t.st.persons[personID]
	if !ok || p.CanonicalID != nil {
		return store.Person{}, store.ErrConflict
	}
	if _, err := t.PersonByCanonicalID(ctx, canonicalID); err == nil {
		return store.Person{}, store.ErrConflict
	}
	p.CanonicalID = &canonicalID
	t.st.persons[personID] = p
	return p, nil
}

func (t *tx) CreateSong(ctx context.Context, ns store.NewSong) (store.Song, error) {
	if ns.CanonicalID != nil {
		if _, err := t.SongByCanonicalID(ctx, *ns.CanonicalID); err == nil {
			return store.Song{}, store.ErrConflict
		}
	}
	s := store.Song{
		ID:          t.st.nextSongID,
		CanonicalID: copyString(ns.CanonicalID),
		Title:       ns.Title,
		Artist:      ns.Artist,
		Album:       copyString(ns.Album),
		ReleaseDate: ns.ReleaseDate,
		SourceURL:   ns.SourceURL,
	}
	t.st.nextSongID++
	t.st.songs[s.ID] = s
	return s, nil
}

func (t *tx) CreateContribution(_ context.Context, c store.Contribution) (bool, error) {
	if _, ok := t.st.songs[c.SongID]; !ok {
		return false, store.ErrNotFound
	}
	if _, ok := t.st.persons[c.PersonID]; !ok {
		return false, store.ErrNotFound
	}
	if _, exists := t.st.contribs[c]; exists {
		return false, nil
	}
	t.st.contribs[c] = struct{}{}
	return true, nil
}

func (t *tx) MarkExplored(_ context.Context, personID int64) error {
	p, ok := t.st.persons[personID]
	if !ok {
		return store.ErrNotFound
	}
	p.IsExplored = true
	t.st.persons[personID] = p
	return nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
