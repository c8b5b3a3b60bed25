package zone

import "sync/atomic"

// Root is an externally owned slot holding a reference. Every registered
// root is scanned by every collection.
type Root struct {
	v atomic.Uintptr
}

// Load returns the reference held by the root.
func (r *Root) Load() uintptr { return r.v.Load() }

// AddRoot registers a new root initialised to value.
func (z *Zone) AddRoot(value uintptr) (*Root, error) {
	if err := z.checkValue("add root", value); err != nil {
		return nil, err
	}
	r := &Root{}
	r.v.Store(value)
	z.RegisterRoot(r)
	z.enliven(value)
	return r, nil
}

// RegisterRoot starts scanning r. Registering a root twice has no effect.
func (z *Zone) RegisterRoot(r *Root) {
	z.rootsMu.Lock()
	z.roots[r] = struct{}{}
	z.rootsMu.Unlock()
}

// UnregisterRoot stops scanning r. The value it holds is left in place.
func (z *Zone) UnregisterRoot(r *Root) {
	z.rootsMu.Lock()
	delete(z.roots, r)
	z.rootsMu.Unlock()
}

// StoreRoot sets r's value through the enlivening barrier.
func (z *Zone) StoreRoot(r *Root, value uintptr) error {
	if err := z.checkOpen(); err != nil {
		return err
	}
	if err := z.checkValue("store root", value); err != nil {
		return err
	}
	z.enlivenMu.Lock()
	if value != 0 && z.enlivening.Load() {
		z.enlivenQueue = append(z.enlivenQueue, value)
	}
	r.v.Store(value)
	z.enlivenMu.Unlock()
	return nil
}

// RootCount returns the number of registered roots.
func (z *Zone) RootCount() int {
	z.rootsMu.Lock()
	defer z.rootsMu.Unlock()
	return len(z.roots)
}

// SetAssociation associates value with (owner, key). The value stays alive
// as long as owner does. A zero value erases the association.
func (z *Zone) SetAssociation(owner, key, value uintptr) error {
	if err := z.checkOpen(); err != nil {
		return err
	}
	if err := z.checkValue("set association", owner); err != nil {
		return err
	}
	if err := z.checkValue("set association", value); err != nil {
		return err
	}
	z.enliven(value)
	return z.setAssociation(owner, key, value)
}

func (z *Zone) setAssociation(owner, key, value uintptr) error {
	if !z.IsValid(owner) {
		return z.usage("set association", owner, ErrBadAddress)
	}
	z.assocMu.Lock()
	defer z.assocMu.Unlock()
	if value == 0 {
		z.eraseAssociationLocked(owner, key)
		return nil
	}
	m := z.assoc[owner]
	if m == nil {
		m = make(map[uintptr]uintptr)
		z.assoc[owner] = m
	}
	m[key] = value
	return nil
}

// Association returns the value associated with (owner, key).
func (z *Zone) Association(owner, key uintptr) (uintptr, bool) {
	z.assocMu.Lock()
	defer z.assocMu.Unlock()
	v, ok := z.assoc[owner][key]
	return v, ok
}

// EraseAssociation removes the association for (owner, key), if any.
func (z *Zone) EraseAssociation(owner, key uintptr) {
	z.assocMu.Lock()
	defer z.assocMu.Unlock()
	z.eraseAssociationLocked(owner, key)
}

func (z *Zone) eraseAssociationLocked(owner, key uintptr) {
	m := z.assoc[owner]
	if m == nil {
		return
	}
	delete(m, key)
	if len(m) == 0 {
		delete(z.assoc, owner)
	}
}
