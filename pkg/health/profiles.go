// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"net/http"
	"strconv"

	"github.com/mbeema/blockprof/pkg/profile"
)

type profileSummary struct {
	Key         int                 `json:"key"`
	Name        string              `json:"name"`
	Nodes       int                 `json:"nodes"`
	Generation  uint64              `json:"generation"`
	Diagnostics profile.Diagnostics `json:"diagnostics"`
}

type nodeView struct {
	ID       profile.NodeID   `json:"id"`
	Parent   profile.NodeID   `json:"parent"`
	Kind     string           `json:"kind"`
	Name     string           `json:"name"`
	Path     string           `json:"path"`
	Depth    int              `json:"depth"`
	Measured bool             `json:"measured"`
	Open     bool             `json:"open"`
	Children []profile.NodeID `json:"children"`
	Spans    int              `json:"spans"`
	LastSpan *profile.Span    `json:"last_span,omitempty"`
	profile.Stats
}

func newNodeView(n *profile.Node) nodeView {
	v := nodeView{
		ID:       n.ID,
		Parent:   n.Parent,
		Kind:     n.Kind.String(),
		Name:     n.Name,
		Path:     n.Path,
		Depth:    n.Depth,
		Measured: n.Measured,
		Open:     n.Open,
		Children: append([]profile.NodeID(nil), n.Children...),
		Spans:    len(n.Spans),
		Stats:    n.Stats,
	}
	if last, ok := n.LastSpan(); ok {
		v.LastSpan = &last
	}
	return v
}

func summarize(key int, p *profile.Profile) profileSummary {
	return profileSummary{
		Key:         key,
		Name:        p.Name(),
		Nodes:       p.NodeCount(),
		Generation:  p.Generation(),
		Diagnostics: p.Diagnostics(),
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (int, *profile.Profile, bool) {
	key, err := strconv.Atoi(r.PathValue("key"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid profile key"})
		return 0, nil, false
	}
	if s.profiles == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return 0, nil, false
	}
	p, ok := s.profiles.Profile(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return 0, nil, false
	}
	return key, p, true
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	out := []profileSummary{}
	if s.profiles != nil {
		for _, key := range s.profiles.Keys() {
			if p, ok := s.profiles.Profile(key); ok {
				out = append(out, summarize(key, p))
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	key, p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarize(key, p))
}

// handleNodes lists nodes depth first. ?max_depth limits how deep the walk
// goes.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.lookup(w, r)
	if !ok {
		return
	}

	maxDepth := -1
	if v := r.URL.Query().Get("max_depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid max_depth"})
			return
		}
		maxDepth = d
	}

	var out []nodeView
	p.Walk(func(n *profile.Node) bool {
		out = append(out, newNodeView(n))
		return maxDepth < 0 || n.Depth < maxDepth
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	_, p, ok := s.lookup(w, r)
	if !ok {
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	n, ok := p.NodeByID(profile.NodeID(id))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
		return
	}
	writeJSON(w, http.StatusOK, newNodeView(&n))
}
