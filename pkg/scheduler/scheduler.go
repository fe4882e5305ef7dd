// Package scheduler decides which ready nodes may start, bounded by the
// remote and local queue caps and fair across workflow instances. It holds
// no execution logic.
package scheduler

import (
	"slices"
	"sync"

	"github.com/dukex/nodeflow/pkg/models"
)

// Default global caps.
const (
	DefaultRemote = 8
	DefaultLocal  = 2
)

// Limits caps concurrent runs per resource class. Zero means "use the default".
type Limits struct {
	Remote int
	Local  int
}

func (l Limits) cap(class models.ResourceClass) int {
	if class == models.ResourceClassLocal {
		return l.Local
	}

	return l.Remote
}

func (l Limits) withDefaults(fallback Limits) Limits {
	if l.Remote <= 0 {
		l.Remote = fallback.Remote
	}

	if l.Local <= 0 {
		l.Local = fallback.Local
	}

	return l
}

// Candidate is a ready node offered for admission.
type Candidate struct {
	WorkflowID string
	NodeID     string
	Class      models.ResourceClass
}

func (c Candidate) key() string {
	return c.WorkflowID + "/" + c.NodeID
}

type Scheduler struct {
	mu sync.Mutex

	global     Limits
	instance   map[string]Limits
	foreground string
	// order lists instances least-recently-scheduled first.
	order   []string
	running map[string]Candidate
}

func New(global Limits) *Scheduler {
	return &Scheduler{
		global:   global.withDefaults(Limits{Remote: DefaultRemote, Local: DefaultLocal}),
		instance: make(map[string]Limits),
		running:  make(map[string]Candidate),
	}
}

// Global returns the effective global caps.
func (s *Scheduler) Global() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.global
}

// SetForeground gives an instance first pick on every tick. An empty id clears it.
func (s *Scheduler) SetForeground(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.foreground = workflowID
}

func (s *Scheduler) Foreground() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.foreground
}

// SetInstanceLimits applies a template's caps to one instance. A set cap
// replaces the global one for that instance, raising or lowering it; an unset
// cap keeps the global one. It returns the effective caps.
func (s *Scheduler) SetInstanceLimits(workflowID string, limits Limits) Limits {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits = limits.withDefaults(s.global)
	s.instance[workflowID] = limits

	return limits
}

// Remove forgets an instance and frees its slots.
func (s *Scheduler) Remove(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.instance, workflowID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == workflowID })

	for key, c := range s.running {
		if c.WorkflowID == workflowID {
			delete(s.running, key)
		}
	}

	if s.foreground == workflowID {
		s.foreground = ""
	}
}

// Occupy records an already running node, such as one found in flight on
// restart, without an admission check.
func (s *Scheduler) Occupy(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running[c.key()] = c
}

// Release frees the slot of a node. Releasing an unknown node is a no-op.
func (s *Scheduler) Release(workflowID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, workflowID+"/"+nodeID)
}

// Running returns the number of occupied slots of a class.
func (s *Scheduler) Running(class models.ResourceClass) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count(class, "")
}

// count must be called with mu held. An empty workflowID counts every instance.
func (s *Scheduler) count(class models.ResourceClass, workflowID string) int {
	n := 0

	for _, c := range s.running {
		if c.Class == class && (workflowID == "" || c.WorkflowID == workflowID) {
			n++
		}
	}

	return n
}

func (s *Scheduler) instanceCap(workflowID string, class models.ResourceClass) int {
	if limits, ok := s.instance[workflowID]; ok {
		return limits.cap(class)
	}

	return s.global.cap(class)
}

// Admit runs one scheduling tick over the candidates and returns those granted
// a slot, in grant order. The foreground instance picks first; the rest of the
// capacity goes round-robin, one slot per turn, to the instance that was
// scheduled least recently. An instance that receives a slot moves to the back.
func (s *Scheduler) Admit(candidates []Candidate) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string][]Candidate)
	var seen []string

	for _, c := range candidates {
		if c.Class == "" {
			c.Class = models.ResourceClassRemote
		}

		if _, busy := s.running[c.key()]; busy {
			continue
		}

		if _, ok := pending[c.WorkflowID]; !ok {
			seen = append(seen, c.WorkflowID)
		}

		pending[c.WorkflowID] = append(pending[c.WorkflowID], c)
	}

	s.track(seen)

	var admitted []Candidate

	for _, class := range []models.ResourceClass{models.ResourceClassRemote, models.ResourceClassLocal} {
		if s.foreground != "" {
			for s.grant(class, s.foreground, pending, &admitted) {
			}
		}

		for {
			granted := false

			for _, workflowID := range slices.Clone(s.order) {
				if workflowID == s.foreground {
					continue
				}

				if s.grant(class, workflowID, pending, &admitted) {
					granted = true

					break
				}
			}

			if !granted {
				break
			}
		}
	}

	return admitted
}

// track puts instances never seen before at the front of the order, keeping
// their first-appearance order.
func (s *Scheduler) track(seen []string) {
	var fresh []string

	for _, id := range seen {
		if !slices.Contains(s.order, id) {
			fresh = append(fresh, id)
		}
	}

	s.order = append(fresh, s.order...)
}

// grant admits the first pending candidate of class for workflowID. The
// instance stays within its own cap, and the queue as a whole within the
// larger of the global cap and that instance cap.
func (s *Scheduler) grant(class models.ResourceClass, workflowID string, pending map[string][]Candidate, admitted *[]Candidate) bool {
	instanceCap := s.instanceCap(workflowID, class)

	if s.count(class, "") >= max(s.global.cap(class), instanceCap) {
		return false
	}

	if s.count(class, workflowID) >= instanceCap {
		return false
	}

	queue := pending[workflowID]
	index := slices.IndexFunc(queue, func(c Candidate) bool { return c.Class == class })
	if index < 0 {
		return false
	}

	c := queue[index]
	pending[workflowID] = slices.Delete(queue, index, index+1)

	s.running[c.key()] = c
	*admitted = append(*admitted, c)

	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == workflowID })
	s.order = append(s.order, workflowID)

	return true
}
