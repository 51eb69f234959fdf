package draft

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rackdesk/rackdesk/internal/models"
)

// Backend is the upstream surface the graph needs for validation and the
// one-shot bulk commit.
type Backend interface {
	ValidateSetup(ctx context.Context, req models.BulkCreateRequest, checkConnectivity bool) (*models.ValidationResponse, error)
	BulkCreate(ctx context.Context, req models.BulkCreateRequest) (*models.BulkCreateResponse, error)
}

// Graph is the in-memory draft of not-yet-committed rooms, UPS devices and
// servers. Insertion order is preserved for stable display. Every mutation
// is mirrored to the setup store best-effort; a persistence failure is
// logged and never rolls back the in-memory change.
type Graph struct {
	mu      sync.Mutex
	state   models.SetupState
	entropy *ulid.MonotonicEntropy
	backend Backend
	store   *SetupStore // optional
	logger  *slog.Logger
}

// NewGraph creates an empty draft graph. store may be nil (no persistence).
func NewGraph(backend Backend, store *SetupStore, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		state: models.SetupState{
			Rooms:   []models.Room{},
			UPSList: []models.UPS{},
			Servers: []models.Server{},
		},
		entropy: ulid.Monotonic(rand.Reader, 0),
		backend: backend,
		store:   store,
		logger:  logger,
	}
}

// nextTempID mints a process-unique, timestamp-ordered temporary id.
// Callers hold g.mu.
func (g *Graph) nextTempID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return "tmp-" + id.String()
}

// Snapshot returns a deep copy of the current draft state.
func (g *Graph) Snapshot() models.SetupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyState(g.state)
}

// Restore replaces the full draft state, e.g. from the persisted copy at
// startup. It does not re-persist.
func (g *Graph) Restore(state models.SetupState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state.Rooms == nil {
		state.Rooms = []models.Room{}
	}
	if state.UPSList == nil {
		state.UPSList = []models.UPS{}
	}
	if state.Servers == nil {
		state.Servers = []models.Server{}
	}
	g.state = copyState(state)
}

// Add creates a draft resource of the given kind from a JSON partial,
// assigns a fresh tempId and appends it to its collection.
func (g *Graph) Add(kind models.ResourceKind, partial json.RawMessage) (interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, err := g.addLocked(kind, partial)
	if err != nil {
		return nil, err
	}
	g.persistLocked()
	return res, nil
}

func (g *Graph) addLocked(kind models.ResourceKind, partial json.RawMessage) (interface{}, error) {
	switch kind {
	case models.KindRoom:
		var r models.Room
		if len(partial) > 0 {
			if err := json.Unmarshal(partial, &r); err != nil {
				return nil, fmt.Errorf("decoding room: %w", err)
			}
		}
		r.TempID = g.nextTempID()
		g.state.Rooms = append(g.state.Rooms, r)
		return r, nil
	case models.KindUPS:
		var u models.UPS
		if len(partial) > 0 {
			if err := json.Unmarshal(partial, &u); err != nil {
				return nil, fmt.Errorf("decoding ups: %w", err)
			}
		}
		u.TempID = g.nextTempID()
		g.state.UPSList = append(g.state.UPSList, u)
		return u, nil
	case models.KindServer:
		var s models.Server
		if len(partial) > 0 {
			if err := json.Unmarshal(partial, &s); err != nil {
				return nil, fmt.Errorf("decoding server: %w", err)
			}
		}
		s.TempID = g.nextTempID()
		g.state.Servers = append(g.state.Servers, s)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
}

// Update merges a JSON partial into the resource with the given tempId.
// A missing resource is a silent no-op, not an error.
func (g *Graph) Update(kind models.ResourceKind, id string, partial json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var found bool
	switch kind {
	case models.KindRoom:
		for i := range g.state.Rooms {
			if g.state.Rooms[i].TempID == id {
				if err := mergeInto(&g.state.Rooms[i], partial, id); err != nil {
					return err
				}
				found = true
				break
			}
		}
	case models.KindUPS:
		for i := range g.state.UPSList {
			if g.state.UPSList[i].TempID == id {
				if err := mergeInto(&g.state.UPSList[i], partial, id); err != nil {
					return err
				}
				found = true
				break
			}
		}
	case models.KindServer:
		for i := range g.state.Servers {
			if g.state.Servers[i].TempID == id {
				if err := mergeInto(&g.state.Servers[i], partial, id); err != nil {
					return err
				}
				found = true
				break
			}
		}
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}

	if found {
		g.persistLocked()
	}
	return nil
}

// mergeInto applies the JSON partial on top of dst. Fields absent from the
// partial keep their current value; the tempId is never overwritten.
func mergeInto(dst interface{}, partial json.RawMessage, tempID string) error {
	if len(partial) == 0 {
		return nil
	}
	if err := json.Unmarshal(partial, dst); err != nil {
		return fmt.Errorf("decoding update: %w", err)
	}
	switch v := dst.(type) {
	case *models.Room:
		v.TempID = tempID
	case *models.UPS:
		v.TempID = tempID
	case *models.Server:
		v.TempID = tempID
	}
	return nil
}

// Remove deletes the resource and cascades to its dependents: removing a
// room drops every UPS and server referencing it, removing a UPS drops
// every server referencing it. Servers have no dependents, so one pass
// over UPS then servers visits the full transitive closure. Removing an
// absent id is a no-op.
func (g *Graph) Remove(kind models.ResourceKind, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	removedUPS := map[string]bool{}

	switch kind {
	case models.KindRoom:
		rooms := g.state.Rooms[:0]
		for _, r := range g.state.Rooms {
			if r.TempID == id {
				changed = true
				continue
			}
			rooms = append(rooms, r)
		}
		g.state.Rooms = rooms
		if !changed {
			return
		}
		upsList := g.state.UPSList[:0]
		for _, u := range g.state.UPSList {
			if u.RoomID == id {
				removedUPS[u.TempID] = true
				continue
			}
			upsList = append(upsList, u)
		}
		g.state.UPSList = upsList
		servers := g.state.Servers[:0]
		for _, s := range g.state.Servers {
			if s.RoomID == id || removedUPS[s.UPSID] {
				continue
			}
			servers = append(servers, s)
		}
		g.state.Servers = servers
	case models.KindUPS:
		upsList := g.state.UPSList[:0]
		for _, u := range g.state.UPSList {
			if u.TempID == id {
				changed = true
				continue
			}
			upsList = append(upsList, u)
		}
		g.state.UPSList = upsList
		if !changed {
			return
		}
		servers := g.state.Servers[:0]
		for _, s := range g.state.Servers {
			if s.UPSID == id {
				continue
			}
			servers = append(servers, s)
		}
		g.state.Servers = servers
	case models.KindServer:
		servers := g.state.Servers[:0]
		for _, s := range g.state.Servers {
			if s.TempID == id {
				changed = true
				continue
			}
			servers = append(servers, s)
		}
		g.state.Servers = servers
		if !changed {
			return
		}
	default:
		return
	}

	g.persistLocked()
}

// Duplicate clones a resource under a fresh tempId with " (Copy)" appended
// to its name. Dependents are not duplicated. Returns nil when the source
// id does not exist.
func (g *Graph) Duplicate(kind models.ResourceKind, id string) interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	var clone interface{}
	switch kind {
	case models.KindRoom:
		for _, r := range g.state.Rooms {
			if r.TempID == id {
				c := r
				c.TempID = g.nextTempID()
				c.Name = r.Name + " (Copy)"
				g.state.Rooms = append(g.state.Rooms, c)
				clone = c
				break
			}
		}
	case models.KindUPS:
		for _, u := range g.state.UPSList {
			if u.TempID == id {
				c := u
				c.TempID = g.nextTempID()
				c.Name = u.Name + " (Copy)"
				g.state.UPSList = append(g.state.UPSList, c)
				clone = c
				break
			}
		}
	case models.KindServer:
		for _, s := range g.state.Servers {
			if s.TempID == id {
				c := s
				c.TempID = g.nextTempID()
				c.Name = s.Name + " (Copy)"
				g.state.Servers = append(g.state.Servers, c)
				clone = c
				break
			}
		}
	}

	if clone != nil {
		g.persistLocked()
	}
	return clone
}

// ImportBulk inserts a pre-built set of draft resources, minting new
// tempIds and rewriting roomId/upsId references through per-kind remap
// tables: a roomId only ever resolves against imported rooms and an
// upsId against imported UPS units, so a room and a UPS declaring the
// same tempId cannot cross-contaminate. Rooms are processed fully
// before UPS, and UPS fully before servers, since later kinds may
// reference earlier kinds' freshly minted ids. References that are not
// import-local tempIds (committed real ids) pass through untouched.
func (g *Graph) ImportBulk(data models.SetupState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomRemap := make(map[string]string, len(data.Rooms))
	upsRemap := make(map[string]string, len(data.UPSList))

	for _, r := range data.Rooms {
		declared := r.TempID
		r.TempID = g.nextTempID()
		if declared != "" {
			roomRemap[declared] = r.TempID
		}
		g.state.Rooms = append(g.state.Rooms, r)
	}
	for _, u := range data.UPSList {
		declared := u.TempID
		u.TempID = g.nextTempID()
		if declared != "" {
			upsRemap[declared] = u.TempID
		}
		if mapped, ok := roomRemap[u.RoomID]; ok {
			u.RoomID = mapped
		}
		g.state.UPSList = append(g.state.UPSList, u)
	}
	for _, s := range data.Servers {
		s.TempID = g.nextTempID()
		if mapped, ok := roomRemap[s.RoomID]; ok {
			s.RoomID = mapped
		}
		if mapped, ok := upsRemap[s.UPSID]; ok {
			s.UPSID = mapped
		}
		g.state.Servers = append(g.state.Servers, s)
	}

	g.persistLocked()
	return nil
}

// AddFromTemplate stamps a stored template into the draft collections under
// a fresh tempId. Returns nil when no template with that name exists.
func (g *Graph) AddFromTemplate(kind models.ResourceKind, name string) interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	var clone interface{}
	switch kind {
	case models.KindRoom:
		for _, t := range g.state.Templates.Rooms {
			if t.Name == name {
				t.TempID = g.nextTempID()
				g.state.Rooms = append(g.state.Rooms, t)
				clone = t
				break
			}
		}
	case models.KindUPS:
		for _, t := range g.state.Templates.UPSList {
			if t.Name == name {
				t.TempID = g.nextTempID()
				g.state.UPSList = append(g.state.UPSList, t)
				clone = t
				break
			}
		}
	case models.KindServer:
		for _, t := range g.state.Templates.Servers {
			if t.Name == name {
				t.TempID = g.nextTempID()
				g.state.Servers = append(g.state.Servers, t)
				clone = t
				break
			}
		}
	}

	if clone != nil {
		g.persistLocked()
	}
	return clone
}

// ResolveForCommit produces the flat bulk-creation request. TempIDs stay
// in place as correlation tokens for the backend's id mapping.
func (g *Graph) ResolveForCommit() models.BulkCreateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	state := copyState(g.state)
	return models.BulkCreateRequest{
		Rooms:   state.Rooms,
		UPSList: state.UPSList,
		Servers: state.Servers,
	}
}

// Validate delegates a pre-commit check to the backend. The graph is not
// mutated.
func (g *Graph) Validate(ctx context.Context, checkConnectivity bool) (*models.ValidationResponse, error) {
	return g.backend.ValidateSetup(ctx, g.ResolveForCommit(), checkConnectivity)
}

// Commit sends the resolved request once. On success the draft and its
// persisted copy are cleared; on failure everything is left untouched so
// the user can retry.
func (g *Graph) Commit(ctx context.Context) (*models.BulkCreateResponse, error) {
	req := g.ResolveForCommit()
	resp, err := g.backend.BulkCreate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bulk create: %w", err)
	}
	g.Reset()
	return resp, nil
}

// Reset clears the draft collections and the persisted copy. Templates
// survive a reset.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Rooms = []models.Room{}
	g.state.UPSList = []models.UPS{}
	g.state.Servers = []models.Server{}
	if g.store != nil {
		if err := g.store.ClearResources(); err != nil {
			g.logger.Warn("clearing persisted setup state", "error", err)
		}
	}
}

// NameExists reports whether another draft of the same kind already uses
// the name (case-insensitive), excluding the resource identified by
// excludeID. The second return value is the conflicting resource's name.
func (g *Graph) NameExists(kind models.ResourceKind, name, excludeID string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	want := strings.ToLower(strings.TrimSpace(name))
	switch kind {
	case models.KindRoom:
		for _, r := range g.state.Rooms {
			if r.TempID != excludeID && strings.ToLower(r.Name) == want {
				return true, r.Name
			}
		}
	case models.KindUPS:
		for _, u := range g.state.UPSList {
			if u.TempID != excludeID && strings.ToLower(u.Name) == want {
				return true, u.Name
			}
		}
	case models.KindServer:
		for _, s := range g.state.Servers {
			if s.TempID != excludeID && strings.ToLower(s.Name) == want {
				return true, s.Name
			}
		}
	}
	return false, ""
}

// IPExists reports whether any draft UPS or server already claims the
// address, excluding the resource identified by excludeID.
func (g *Graph) IPExists(ip, excludeID string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	want := strings.TrimSpace(ip)
	for _, u := range g.state.UPSList {
		if u.TempID != excludeID && u.IP != "" && u.IP == want {
			return true, u.Name
		}
	}
	for _, s := range g.state.Servers {
		if s.TempID != excludeID && s.IP != "" && s.IP == want {
			return true, s.Name
		}
	}
	return false, ""
}

// persistLocked mirrors the draft to the setup store. Callers hold g.mu.
func (g *Graph) persistLocked() {
	if g.store == nil {
		return
	}
	if err := g.store.SaveResources(copyState(g.state)); err != nil {
		g.logger.Warn("persisting setup state", "error", err)
	}
}

func copyState(s models.SetupState) models.SetupState {
	out := models.SetupState{
		Rooms:   append([]models.Room{}, s.Rooms...),
		UPSList: append([]models.UPS{}, s.UPSList...),
		Servers: append([]models.Server{}, s.Servers...),
	}
	out.Templates.Rooms = append([]models.Room(nil), s.Templates.Rooms...)
	out.Templates.UPSList = append([]models.UPS(nil), s.Templates.UPSList...)
	out.Templates.Servers = append([]models.Server(nil), s.Templates.Servers...)
	return out
}
