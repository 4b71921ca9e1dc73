package vm

import "sync"

// SelectorTable interns names to dense numeric IDs.
//
// One table serves every kind of name the runtime looks up: method
// selectors, keyword parameter names, instance variable names, constant
// names and symbol literals. Dispatch then works on integers; the JIT
// embeds the same integers in compiled code.
//
// The table is append-only; IDs stay valid for the life of the VM.
type SelectorTable struct {
	mu     sync.RWMutex
	byName map[string]int
	byID   []string
}

// NewSelectorTable creates a new empty selector table.
func NewSelectorTable() *SelectorTable {
	return &SelectorTable{
		byName: make(map[string]int),
		byID:   make([]string, 0, 128),
	}
}

// Intern returns the ID for name, creating a new ID if needed.
func (st *SelectorTable) Intern(name string) int {
	st.mu.RLock()
	if id, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return id
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if id, ok := st.byName[name]; ok {
		return id
	}
	id := len(st.byID)
	st.byName[name] = id
	st.byID = append(st.byID, name)
	return id
}

// Lookup returns the ID for name, or -1 if it was never interned.
func (st *SelectorTable) Lookup(name string) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if id, ok := st.byName[name]; ok {
		return id
	}
	return -1
}

// Name returns the name for an ID, or "" if invalid.
func (st *SelectorTable) Name(id int) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if id < 0 || id >= len(st.byID) {
		return ""
	}
	return st.byID[id]
}

// Len returns the number of interned names.
func (st *SelectorTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// Symbol returns the symbol value for name.
func (st *SelectorTable) Symbol(name string) Value {
	return FromSymbolID(uint32(st.Intern(name)))
}
