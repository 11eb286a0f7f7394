// Package session maps an opaque transport session to a project root,
// buffering events that arrive before resolution completes.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"movesia-index/internal/core"
	"movesia-index/internal/logging"
	"movesia-index/pkg/types"
)

// Resolved carries one session's arrival-order buffer once a root has
// been determined, ready to drain through the Indexer.
type Resolved struct {
	Root   string
	Events []types.EventEnvelope

	// JustResolved is true only on the Ingest call that first resolves
	// the session's root, so a caller can run connect-time checks
	// (snapshot verification) exactly once per session.
	JustResolved bool
}

type sessionBuffer struct {
	events []types.EventEnvelope
}

// Resolver tracks, per session, either a resolved project root or a
// FIFO buffer of events awaiting resolution.
type Resolver struct {
	mu sync.Mutex

	locator RootLocator
	logger  logging.Logger

	resolved      map[string]string
	outerResolved map[string]string
	buffers       map[string]*sessionBuffer
}

// NewResolver constructs a Resolver backed by locator for candidate
// project roots.
func NewResolver(locator RootLocator, logger logging.Logger) *Resolver {
	return &Resolver{
		locator:       locator,
		logger:        logger,
		resolved:      make(map[string]string),
		outerResolved: make(map[string]string),
		buffers:       make(map[string]*sessionBuffer),
	}
}

// SetOuterResolvedRoot records a root an outer transport layer already
// resolved for session, used as resolution order step 3.
func (r *Resolver) SetOuterResolvedRoot(session, root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outerResolved[session] = root
}

// Root returns the already-resolved root for session, if any.
func (r *Resolver) Root(session string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	root, ok := r.resolved[session]
	return root, ok
}

// Forget drops all state held for session, for use when a transport
// connection closes.
func (r *Resolver) Forget(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resolved, session)
	delete(r.outerResolved, session)
	delete(r.buffers, session)
}

// Ingest admits one event for session. If the session is already
// resolved, the event is returned immediately for forwarding. Otherwise
// it is appended to the session's arrival-order buffer; a hello event
// additionally attempts resolution, and on success the whole buffer
// (including the hello) is returned for draining, in arrival order.
func (r *Resolver) Ingest(session string, evt types.EventEnvelope) (resolved *Resolved, pending bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if root, ok := r.resolved[session]; ok {
		return &Resolved{Root: root, Events: []types.EventEnvelope{evt}}, false, nil
	}

	buf, ok := r.buffers[session]
	if !ok {
		buf = &sessionBuffer{}
		r.buffers[session] = buf
	}
	buf.events = append(buf.events, evt)

	if evt.Type != "hello" {
		return nil, true, nil
	}

	var hello types.HelloBody
	if err := json.Unmarshal(evt.Body, &hello); err != nil {
		return nil, true, fmt.Errorf("%w: hello body: %v", core.ErrInvalidEnvelope, err)
	}

	root, ok, resolveErr := r.resolveLocked(session, hello)
	if resolveErr != nil {
		return nil, true, resolveErr
	}
	if !ok {
		return nil, true, nil
	}

	r.resolved[session] = root
	drained := buf.events
	delete(r.buffers, session)
	return &Resolved{Root: root, Events: drained, JustResolved: true}, false, nil
}

func (r *Resolver) resolveLocked(session string, hello types.HelloBody) (string, bool, error) {
	candidates, err := r.locator.Candidates()
	if err != nil {
		r.logger.Warn("candidate root scan failed", "error", err.Error())
		candidates = nil
	}

	if hello.ProductGUID != "" {
		for _, c := range candidates {
			if c.ProductGUID != "" && c.ProductGUID == hello.ProductGUID {
				return c.Root, true, nil
			}
		}
	}

	if root, ok := rootFromDataPath(hello.DataPath); ok {
		return root, true, nil
	}

	if root, ok := r.outerResolved[session]; ok && root != "" {
		return root, true, nil
	}

	if hello.UnityVersion != "" {
		major := majorVersion(hello.UnityVersion)
		match := ""
		matches := 0
		for _, c := range candidates {
			if c.UnityVersion != "" && majorVersion(c.UnityVersion) == major {
				match = c.Root
				matches++
			}
		}
		if matches == 1 {
			return match, true, nil
		}
	}

	return "", false, nil
}

// rootFromDataPath derives a project root as the parent of dataPath when
// dataPath names an Assets folder, the Unity convention.
func rootFromDataPath(dataPath string) (string, bool) {
	if dataPath == "" {
		return "", false
	}
	normalized := strings.ReplaceAll(dataPath, "\\", "/")
	normalized = strings.TrimSuffix(normalized, "/")
	parts := strings.Split(normalized, "/")
	if len(parts) == 0 || parts[len(parts)-1] != "Assets" {
		return "", false
	}
	root := strings.Join(parts[:len(parts)-1], "/")
	if root == "" {
		return "", false
	}
	return root, true
}

func majorVersion(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}
