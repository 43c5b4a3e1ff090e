// Package mongodb keeps the task history in MongoDB.
package mongodb

import (
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/taskmanager"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "taskmanager_tasks"
)

// Store represents a MongoDB-based history store.
// It implements the taskmanager.Store interface.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore creates a new MongoDB-based history store.
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	// Create indices
	for _, key := range [][]string{
		{"uid", "task_id"},
		{"bundle"},
		{"state"},
		{"-created"},
	} {
		if err := st.coll.EnsureIndexKey(key...); err != nil {
			st.session.Close()
			return nil, err
		}
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// Map mgo.ErrNotFound to the taskmanager-specific "not found" error
		return taskmanager.ErrNotFound
	}
	return err
}

// Start is called when the manager starts up.
// Records still marked as active were left behind by a previous process.
func (s *Store) Start() error {
	change := bson.M{"$set": bson.M{
		"state":   uint32(taskmanager.Failed),
		"code":    uint32(taskmanager.ReasonOthersError),
		"reason":  taskmanager.ReasonOthersError.String(),
		"updated": time.Now().UnixNano(),
	}}
	_, err := s.coll.UpdateAll(
		bson.M{"state": bson.M{"$in": []uint32{uint32(taskmanager.Running), uint32(taskmanager.Retrying)}}},
		change,
	)
	return s.wrapError(err)
}

// Create adds a new record. An existing record with the same identifier
// is replaced.
func (s *Store) Create(t *taskmanager.TaskInfo) error {
	d, err := newDocument(t)
	if err != nil {
		return err
	}
	_, err = s.coll.UpsertId(d.ID, d)
	return s.wrapError(err)
}

// Update replaces an existing record.
func (s *Store) Update(t *taskmanager.TaskInfo) error {
	d, err := newDocument(t)
	if err != nil {
		return err
	}
	return s.wrapError(s.coll.UpdateId(d.ID, d))
}

// Lookup retrieves a single record by its identifier.
func (s *Store) Lookup(id string) (*taskmanager.TaskInfo, error) {
	var d document
	err := s.coll.FindId(id).One(&d)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return d.taskInfo()
}

// List returns the records matching the request, the most recently
// created first.
func (s *Store) List(request *taskmanager.ListRequest) (*taskmanager.ListResponse, error) {
	rsp := &taskmanager.ListResponse{}

	// Common filters for both Count and Find
	query := bson.M{}
	if request.UID != nil {
		query["uid"] = int64(*request.UID)
	}
	if request.TaskID != nil {
		query["task_id"] = *request.TaskID
	}
	if request.Bundle != "" {
		query["bundle"] = request.Bundle
	}
	if request.State != nil {
		query["state"] = uint32(*request.State)
	}
	if request.Action != nil {
		query["action"] = uint32(*request.Action)
	}
	if request.Mode != nil {
		query["mode"] = uint32(*request.Mode)
	}
	created := bson.M{}
	if request.After > 0 {
		created["$gte"] = request.After
	}
	if request.Before > 0 {
		created["$lt"] = request.Before
	}
	if len(created) > 0 {
		query["created"] = created
	}

	// Count
	count, err := s.coll.Find(query).Count()
	if err != nil {
		return nil, s.wrapError(err)
	}
	rsp.Total = count

	// Find
	var list []*document
	err = s.coll.Find(query).Sort("-created", "_id").Skip(request.Offset).Limit(request.Limit).All(&list)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, d := range list {
		t, err := d.taskInfo()
		if err != nil {
			return nil, err
		}
		rsp.Tasks = append(rsp.Tasks, t)
	}
	return rsp, nil
}

// -- MongoDB-internal representation of a history record --

type document struct {
	ID          string  `bson:"_id"`
	TaskID      uint32  `bson:"task_id"`
	UID         int64   `bson:"uid"`
	Bundle      string  `bson:"bundle"`
	Action      uint32  `bson:"action"`
	Version     uint32  `bson:"version"`
	Mode        uint32  `bson:"mode"`
	URL         string  `bson:"url"`
	Title       string  `bson:"title,omitempty"`
	Description string  `bson:"description,omitempty"`
	MimeType    string  `bson:"mime_type,omitempty"`
	State       uint32  `bson:"state"`
	Code        uint32  `bson:"code"`
	Reason      string  `bson:"reason,omitempty"`
	Retry       bool    `bson:"retry"`
	Tries       uint32  `bson:"tries"`
	Progress    *string `bson:"progress,omitempty"`
	Extras      *string `bson:"extras,omitempty"`
	Created     int64   `bson:"created"`
	Updated     int64   `bson:"updated"`
}

func newDocument(t *taskmanager.TaskInfo) (*document, error) {
	d := &document{
		ID:          t.ID,
		TaskID:      t.TaskID,
		UID:         int64(t.UID),
		Bundle:      t.Bundle,
		Action:      uint32(t.Action),
		Version:     uint32(t.Version),
		Mode:        uint32(t.Mode),
		URL:         t.URL,
		Title:       t.Title,
		Description: t.Description,
		MimeType:    t.MimeType,
		State:       uint32(t.State),
		Code:        uint32(t.Code),
		Reason:      t.Reason,
		Retry:       t.Retry,
		Tries:       t.Tries,
		Created:     t.Created,
		Updated:     t.Updated,
	}
	v, err := json.Marshal(t.Progress)
	if err != nil {
		return nil, err
	}
	progress := string(v)
	d.Progress = &progress
	if len(t.Extras) > 0 {
		v, err := json.Marshal(t.Extras)
		if err != nil {
			return nil, err
		}
		extras := string(v)
		d.Extras = &extras
	}
	return d, nil
}

func (d *document) taskInfo() (*taskmanager.TaskInfo, error) {
	t := &taskmanager.TaskInfo{
		ID:          d.ID,
		TaskID:      d.TaskID,
		UID:         uint64(d.UID),
		Bundle:      d.Bundle,
		Action:      taskmanager.Action(d.Action),
		Version:     taskmanager.Version(d.Version),
		Mode:        taskmanager.Mode(d.Mode),
		URL:         d.URL,
		Title:       d.Title,
		Description: d.Description,
		MimeType:    d.MimeType,
		State:       taskmanager.State(d.State),
		Code:        taskmanager.Reason(d.Code),
		Reason:      d.Reason,
		Retry:       d.Retry,
		Tries:       d.Tries,
		Created:     d.Created,
		Updated:     d.Updated,
	}
	if d.Progress != nil && *d.Progress != "" {
		if err := json.Unmarshal([]byte(*d.Progress), &t.Progress); err != nil {
			return nil, err
		}
	}
	if d.Extras != nil && *d.Extras != "" {
		if err := json.Unmarshal([]byte(*d.Extras), &t.Extras); err != nil {
			return nil, err
		}
	}
	return t, nil
}
