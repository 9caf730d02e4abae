package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/gridcat/auth"
	"github.com/ndlib/gridcat/booking"
	"github.com/ndlib/gridcat/guid"
	"github.com/ndlib/gridcat/namespace"
)

func joinGroups(groups []string) string {
	return strings.Join(groups, ",")
}

// principal rebuilds the authenticated principal the authzWrapper
// stashed in the route parameters.
func principal(ps httprouter.Params) auth.Principal {
	p := auth.Principal{Name: ps.ByName("username")}
	if g := ps.ByName("groups"); g != "" {
		p.Groups = strings.Split(g, ",")
	}
	return p
}

// entryJSON is the wire form of a namespace entry.
type entryJSON struct {
	Path   string    `json:"path"`
	Owner  string    `json:"owner"`
	Group  string    `json:"group"`
	Perm   string    `json:"perm"`
	Size   int64     `json:"size"`
	Type   string    `json:"type"`
	GUID   string    `json:"guid,omitempty"`
	MD5    string    `json:"md5,omitempty"`
	CTime  time.Time `json:"ctime"`
	Expire time.Time `json:"expire,omitempty"`
	JobID  int64     `json:"jobid,omitempty"`
}

func toEntryJSON(e *namespace.Entry) entryJSON {
	j := entryJSON{
		Path:   e.Path,
		Owner:  e.Owner,
		Group:  e.Group,
		Perm:   e.Perm,
		Size:   e.Size,
		Type:   string(e.Type),
		MD5:    e.MD5,
		CTime:  e.CTime,
		Expire: e.Expire,
		JobID:  e.JobID,
	}
	if e.GUID != uuid.Nil {
		j.GUID = e.GUID.String()
	}
	return j
}

// LFNHandler handles GET /lfn/*path
func (s *RESTServer) LFNHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, err := s.Catalog.Lookup(ps.ByName("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	if e == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "no such entry")
		return
	}
	writeJSON(w, toEntryJSON(e))
}

// ListHandler handles GET /ls/*path
func (s *RESTServer) ListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	children, err := s.Catalog.List(principal(ps), ps.ByName("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]entryJSON, 0, len(children))
	for _, child := range children {
		result = append(result, toEntryJSON(child))
	}
	writeJSON(w, result)
}

// MkdirHandler handles POST /mkdir/*path?parents=1
func (s *RESTServer) MkdirHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	parents := r.FormValue("parents") != ""
	e, err := s.Catalog.Mkdir(principal(ps), ps.ByName("path"), parents)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(201)
	writeJSON(w, toEntryJSON(e))
}

// RegisterHandler handles POST /register/*path. The body carries the
// identity attributes of the file being registered.
func (s *RESTServer) RegisterHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		GUID  string `json:"guid"`
		Size  int64  `json:"size"`
		MD5   string `json:"md5"`
		JobID int64  `json:"jobid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	e := &namespace.Entry{
		Path:  ps.ByName("path"),
		Size:  body.Size,
		MD5:   body.MD5,
		JobID: body.JobID,
	}
	if body.GUID != "" {
		id, err := uuid.Parse(body.GUID)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, err.Error())
			return
		}
		e.GUID = id
	}
	if err := s.Catalog.Register(principal(ps), e); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(201)
	writeJSON(w, toEntryJSON(e))
}

// TouchHandler handles PUT /touch/*path
func (s *RESTServer) TouchHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, err := s.Catalog.Touch(principal(ps), ps.ByName("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toEntryJSON(e))
}

// ChmodHandler handles PUT /chmod/*path?perm=755
func (s *RESTServer) ChmodHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	perm := r.FormValue("perm")
	if len(perm) != 3 {
		w.WriteHeader(400)
		fmt.Fprintln(w, "perm must be three octal digits")
		return
	}
	if err := s.Catalog.Chmod(principal(ps), ps.ByName("path"), perm); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// ChownHandler handles PUT /chown/*path?owner=name&group=name
func (s *RESTServer) ChownHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner := r.FormValue("owner")
	if owner == "" {
		w.WriteHeader(400)
		fmt.Fprintln(w, "owner is required")
		return
	}
	err := s.Catalog.Chown(principal(ps), ps.ByName("path"), owner, r.FormValue("group"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// ExpireHandler handles PUT /expire/*path?at=unixtime&extend=1
func (s *RESTServer) ExpireHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	at, err := strconv.ParseInt(r.FormValue("at"), 10, 64)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "at must be a unix time")
		return
	}
	extend := r.FormValue("extend") != ""
	err = s.Catalog.SetExpiry(principal(ps), ps.ByName("path"), time.Unix(at, 0), extend)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// MoveHandler handles POST /mv with a JSON body {"from": ..., "to": ...}
func (s *RESTServer) MoveHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return
	}
	e, err := s.Catalog.Move(principal(ps), body.From, body.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toEntryJSON(e))
}

// RemoveHandler handles DELETE /lfn/*path?recursive=1&purge=1
func (s *RESTServer) RemoveHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	recursive := r.FormValue("recursive") != ""
	purge := r.FormValue("purge") != ""
	err := s.Catalog.Remove(principal(ps), ps.ByName("path"), recursive, purge)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// guidJSON is the wire form of an identity record.
type guidJSON struct {
	GUID     string        `json:"guid"`
	Owner    string        `json:"owner"`
	Group    string        `json:"group"`
	Perm     string        `json:"perm"`
	Size     int64         `json:"size"`
	MD5      string        `json:"md5,omitempty"`
	CTime    time.Time     `json:"ctime"`
	Replicas []replicaJSON `json:"replicas,omitempty"`
}

type replicaJSON struct {
	SENumber int    `json:"se"`
	PFN      string `json:"pfn"`
}

func (s *RESTServer) toGUIDJSON(g *guid.GUID, withReplicas bool) (guidJSON, error) {
	j := guidJSON{
		GUID:  g.ID.String(),
		Owner: g.Owner,
		Group: g.Group,
		Perm:  g.Perm,
		Size:  g.Size,
		MD5:   g.MD5,
		CTime: g.CTime,
	}
	if !withReplicas {
		return j, nil
	}
	pfns, err := s.Identities.Replicas(g)
	if err != nil {
		return j, err
	}
	for _, pfn := range pfns {
		j.Replicas = append(j.Replicas, replicaJSON{SENumber: pfn.SENumber, PFN: pfn.PFN})
	}
	return j, nil
}

func (s *RESTServer) lookupGUID(w http.ResponseWriter, ps httprouter.Params) *guid.GUID {
	id, err := uuid.Parse(ps.ByName("uuid"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return nil
	}
	g, err := s.Identities.Lookup(id)
	if err != nil {
		writeError(w, err)
		return nil
	}
	if g == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "no such identity")
		return nil
	}
	return g
}

// GUIDHandler handles GET /guid/:uuid
func (s *RESTServer) GUIDHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	g := s.lookupGUID(w, ps)
	if g == nil {
		return
	}
	j, err := s.toGUIDJSON(g, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, j)
}

// GUIDRefsHandler handles GET /guid/:uuid/refs
func (s *RESTServer) GUIDRefsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	g := s.lookupGUID(w, ps)
	if g == nil {
		return
	}
	refs, err := s.Identities.Refs(g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, refs)
}

// GUIDRealHandler handles GET /guid/:uuid/real, dereferencing archive
// members to the identity actually holding the bytes.
func (s *RESTServer) GUIDRealHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	g := s.lookupGUID(w, ps)
	if g == nil {
		return
	}
	real, err := s.Identities.RealIdentities(g)
	if err != nil {
		writeError(w, err)
		return
	}
	var result []guidJSON
	for _, rg := range real {
		j, err := s.toGUIDJSON(rg, true)
		if err != nil {
			writeError(w, err)
			return
		}
		result = append(result, j)
	}
	writeJSON(w, result)
}

// bookBody is the wire form shared by the booking routes.
type bookBody struct {
	LFN    string `json:"lfn,omitempty"`
	GUID   string `json:"guid"`
	PFN    string `json:"pfn"`
	SEName string `json:"se"`
	Size   int64  `json:"size,omitempty"`
	MD5    string `json:"md5,omitempty"`
	JobID  int64  `json:"jobid,omitempty"`
}

func readBookBody(w http.ResponseWriter, r *http.Request) (bookBody, uuid.UUID, bool) {
	var body bookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return body, uuid.Nil, false
	}
	id, err := uuid.Parse(body.GUID)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err.Error())
		return body, uuid.Nil, false
	}
	return body, id, true
}

// BookHandler handles POST /book
func (s *RESTServer) BookHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, id, ok := readBookBody(w, r)
	if !ok {
		return
	}
	err := s.Booking.Book(principal(ps), booking.Request{
		LFN:    body.LFN,
		GUID:   id,
		PFN:    body.PFN,
		SEName: body.SEName,
		Size:   body.Size,
		MD5:    body.MD5,
		JobID:  body.JobID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(201)
}

// CommitHandler handles POST /commit
func (s *RESTServer) CommitHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, id, ok := readBookBody(w, r)
	if !ok {
		return
	}
	e, err := s.Booking.Commit(principal(ps), id, body.SEName, body.PFN)
	if err != nil {
		writeError(w, err)
		return
	}
	if e == nil {
		// resolved, nothing promoted
		w.WriteHeader(204)
		return
	}
	writeJSON(w, toEntryJSON(e))
}

// RejectHandler handles POST /reject
func (s *RESTServer) RejectHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, id, ok := readBookBody(w, r)
	if !ok {
		return
	}
	if err := s.Booking.Reject(principal(ps), id, body.SEName, body.PFN); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// KeepHandler handles POST /keep
func (s *RESTServer) KeepHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, id, ok := readBookBody(w, r)
	if !ok {
		return
	}
	if err := s.Booking.Keep(principal(ps), id, body.SEName, body.PFN); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// BookedHandler handles GET /booked?pfn=...
func (s *RESTServer) BookedHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pfn := r.FormValue("pfn")
	if pfn == "" {
		w.WriteHeader(400)
		fmt.Fprintln(w, "pfn is required")
		return
	}
	g, err := s.Booking.BookedPFN(pfn)
	if err != nil {
		writeError(w, err)
		return
	}
	if g == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "nothing is booked there")
		return
	}
	j, err := s.toGUIDJSON(g, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, j)
}

func jobID(w http.ResponseWriter, ps httprouter.Params) (int64, bool) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, "bad job id")
		return 0, false
	}
	return id, true
}

// ResubmitJobHandler handles POST /job/:id/resubmit
func (s *RESTServer) ResubmitJobHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := jobID(w, ps)
	if !ok {
		return
	}
	if err := s.Booking.ResubmitJob(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// RegisterOutputsHandler handles POST /job/:id/register
func (s *RESTServer) RegisterOutputsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := jobID(w, ps)
	if !ok {
		return
	}
	if err := s.Booking.RegisterOutputs(principal(ps), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// seJSON is the wire form of a storage element.
type seJSON struct {
	Number int      `json:"number"`
	Name   string   `json:"name"`
	QoS    []string `json:"qos,omitempty"`
	Files  int64    `json:"files"`
	Used   int64    `json:"used"`
}

// SEListHandler handles GET /se
func (s *RESTServer) SEListHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	all, err := s.SEs.All()
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]seJSON, 0, len(all))
	for _, elem := range all {
		result = append(result, seJSON{Number: elem.Number, Name: elem.Name, QoS: elem.QoS})
	}
	writeJSON(w, result)
}

// SEHandler handles GET /se/:name
func (s *RESTServer) SEHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	elem, err := s.SEs.SEByName(ps.ByName("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	files, used, err := s.SEs.Usage(elem.Number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, seJSON{Number: elem.Number, Name: elem.Name, QoS: elem.QoS, Files: files, Used: used})
}

// InvalidateHandler handles PUT /admin/invalidate, forcing the
// routing caches to reload on their next use. Called after mount or
// storage element administration.
func (s *RESTServer) InvalidateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Mounts != nil {
		s.Mounts.Invalidate()
	}
	if s.Times != nil {
		s.Times.Invalidate()
	}
	if s.SEs != nil {
		s.SEs.Invalidate()
	}
	w.WriteHeader(204)
}
