package hub

// registry owns the set of live connections. roomIndex owns the many-to-many
// room ↔ connection mapping. Both are plain maps: every mutation and every
// membership snapshot happens under the manager mutex, which is what makes
// "add to room", "remove from room" and "snapshot for broadcast" atomic with
// respect to each other.

type registry struct {
	conns map[string]*Connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*Connection)}
}

func (r *registry) get(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

func (r *registry) add(c *Connection) {
	r.conns[c.ID] = c
}

func (r *registry) remove(id string) {
	delete(r.conns, id)
}

func (r *registry) count() int {
	return len(r.conns)
}

// all returns a snapshot slice of live connections for supervisor sweeps.
func (r *registry) all() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// roomIndex maps room ids to member connection ids. Rooms exist implicitly:
// created on first subscribe, deleted when the last member leaves, so churn
// never leaks empty entries.
type roomIndex struct {
	rooms map[string]map[string]struct{}
}

func newRoomIndex() *roomIndex {
	return &roomIndex{rooms: make(map[string]map[string]struct{})}
}

func (ri *roomIndex) add(room, clientID string) {
	members, ok := ri.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		ri.rooms[room] = members
	}
	members[clientID] = struct{}{}
}

// remove deletes a member and evicts the room entry once empty.
func (ri *roomIndex) remove(room, clientID string) {
	members, ok := ri.rooms[room]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(ri.rooms, room)
	}
}

// removeAll detaches a client from every room it is a member of.
func (ri *roomIndex) removeAll(clientID string, rooms map[string]struct{}) {
	for room := range rooms {
		ri.remove(room, clientID)
	}
}

// members returns a snapshot copy of a room's membership, safe to iterate
// while the index mutates underneath.
func (ri *roomIndex) members(room string) []string {
	members, ok := ri.rooms[room]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

func (ri *roomIndex) has(room string) bool {
	_, ok := ri.rooms[room]
	return ok
}

func (ri *roomIndex) count() int {
	return len(ri.rooms)
}

// memberCounts returns per-room membership sizes for the stats snapshot.
func (ri *roomIndex) memberCounts() map[string]int {
	out := make(map[string]int, len(ri.rooms))
	for room, members := range ri.rooms {
		out[room] = len(members)
	}
	return out
}
