// Package mongo is the document-store sink: idempotent bulk upserts of job
// metadata, per-target counters and file operations into MongoDB.
package mongo

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
	"github.com/tigerroll/ioprov/pkg/prov/infrastructure/persistence"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

const moduleName = "mongo"

// Collection is the subset of *mongo.Collection the sink uses.
type Collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Database is one per-flush session.
type Database interface {
	Collection(name string) Collection
	EnsureIndexes(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens a Database for one flush.
type Connector func(ctx context.Context) (Database, error)

// Sink writes windows to MongoDB.
type Sink struct {
	connect Connector
	now     func() time.Time

	mu      sync.Mutex
	indexed bool
}

// NewSink creates a sink that dials cfg on every flush.
func NewSink(cfg config.MongoDBConfig) *Sink {
	return NewSinkWithConnector(DialConnector(cfg))
}

// NewSinkWithConnector creates a sink over an arbitrary connector.
func NewSinkWithConnector(connect Connector) *Sink {
	return &Sink{connect: connect, now: time.Now}
}

// Name implements persistence.Sink.
func (s *Sink) Name() string { return persistence.SinkDocument }

// Write implements persistence.Sink.
func (s *Sink) Write(ctx context.Context, snap *model.WindowSnapshot) error {
	db, err := s.connect(ctx)
	if err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "cannot connect", err)
	}
	defer func() {
		if cerr := db.Close(context.Background()); cerr != nil {
			logger.Warnf("Closing MongoDB client: %v", cerr)
		}
	}()

	if err := s.ensureIndexes(ctx, db); err != nil {
		return err
	}

	w := &writer{
		jobinfo:   db.Collection(CollJobInfo),
		mds:       db.Collection(CollMDSStats),
		oss:       db.Collection(CollOSSStats),
		fileOp:    db.Collection(CollFileOp),
		jobScript: db.Collection(CollJobScript),
		now:       s.now(),
	}
	var errs error
	written := 0
	for _, e := range snap.Entries {
		if e.Info.Memoized() {
			continue
		}
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if err := w.writeEntry(ctx, e); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		written++
	}
	if errs != nil {
		return exception.NewProvErrorf(exception.KindStore, moduleName, "window %s partially written (%d entries ok)", snap.WindowID, written, errs)
	}
	logger.Debugf("MongoDB: window %s wrote %d job(s).", snap.WindowID, written)
	return nil
}

func (s *Sink) ensureIndexes(ctx context.Context, db Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexed {
		return nil
	}
	if err := db.EnsureIndexes(ctx); err != nil {
		return exception.NewProvError(exception.KindStore, moduleName, "cannot create indexes", err)
	}
	s.indexed = true
	return nil
}

type writer struct {
	jobinfo, mds, oss, fileOp, jobScript Collection
	now                                  time.Time
}

func (w *writer) writeEntry(ctx context.Context, e model.EntrySnapshot) error {
	var errs error
	for _, host := range sortedKeys(e.MDSTable) {
		for _, target := range sortedKeys(e.MDSTable[host]) {
			errs = appendErr(errs, w.upsertMDS(ctx, e, e.MDSTable[host][target]))
		}
	}
	for _, host := range sortedKeys(e.OSSTable) {
		for _, target := range sortedKeys(e.OSSTable[host]) {
			errs = appendErr(errs, w.upsertOSS(ctx, e, e.OSSTable[host][target]))
		}
	}
	for _, g := range groupFileOps(e) {
		errs = appendErr(errs, w.upsertFileOps(ctx, e, g))
	}
	errs = appendErr(errs, w.upsertJobInfo(ctx, e))
	return errs
}

// appendErr swallows duplicate-key errors: the document is already terminal or present.
func appendErr(errs, err error) error {
	if err == nil || mongo.IsDuplicateKeyError(err) {
		return errs
	}
	return multierror.Append(errs, err)
}

func (w *writer) upsertMDS(ctx context.Context, e model.EntrySnapshot, r model.MDSRecord) error {
	filter := bson.M{
		"uid":      e.UID,
		"mds_info": bson.M{"$elemMatch": bson.M{"mds_host": r.Host, "mdt_target": r.Target}},
	}
	update := bson.M{
		"$set": bson.M{
			"mds_info.$.snapshot_time": r.SnapshotTime,
			"mds_info.$.timestamp":     r.Timestamp,
		},
		"$inc":         mdsIncrements(r.Counters, "mds_info.$."),
		"$currentDate": bson.M{"last_modified": true, "mds_info.$.modified_time": true},
	}
	res, err := w.mds.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	set := identityFields(e.Identity)
	set["uid"] = e.UID
	_, err = w.mds.UpdateOne(ctx, bson.M{"uid": e.UID}, bson.M{
		"$set":         set,
		"$push":        bson.M{"mds_info": mdsElement(r, w.now)},
		"$setOnInsert": bson.M{"create_time": w.now},
		"$currentDate": bson.M{"last_modified": true},
	}, options.Update().SetUpsert(true))
	return err
}

func (w *writer) upsertOSS(ctx context.Context, e model.EntrySnapshot, r model.OSSRecord) error {
	filter := bson.M{
		"uid":      e.UID,
		"oss_info": bson.M{"$elemMatch": bson.M{"oss_host": r.Host, "ost_target": r.Target}},
	}
	inc, lo, hi := ossUpdate(r.Counters, "oss_info.$.")
	update := bson.M{
		"$set": bson.M{
			"oss_info.$.snapshot_time": r.SnapshotTime,
			"oss_info.$.timestamp":     r.Timestamp,
		},
		"$inc":         inc,
		"$currentDate": bson.M{"last_modified": true, "oss_info.$.modified_time": true},
	}
	if len(lo) > 0 {
		update["$min"] = lo
		update["$max"] = hi
	}
	res, err := w.oss.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	set := identityFields(e.Identity)
	set["uid"] = e.UID
	_, err = w.oss.UpdateOne(ctx, bson.M{"uid": e.UID}, bson.M{
		"$set":         set,
		"$push":        bson.M{"oss_info": ossElement(r, w.now)},
		"$setOnInsert": bson.M{"create_time": w.now},
		"$currentDate": bson.M{"last_modified": true},
	}, options.Update().SetUpsert(true))
	return err
}

func (w *writer) upsertFileOps(ctx context.Context, e model.EntrySnapshot, g *fileOpGroup) error {
	set := bson.M{}
	if g.targetPath != "" {
		set["target_path"] = g.targetPath
	}
	if g.parentPath != "" {
		set["parent_path"] = g.parentPath
	}
	update := bson.M{
		"$push":        bson.M{"file_ops": bson.M{"$each": g.ops}},
		"$currentDate": bson.M{"last_modified": true},
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	res, err := w.fileOp.UpdateOne(ctx, bson.M{"uid": e.UID, "target_fid": g.fid}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	doc := identityFields(e.Identity)
	doc["uid"] = e.UID
	doc["target_fid"] = g.fid
	doc["target_path"] = nullable(g.targetPath)
	doc["parent_path"] = nullable(g.parentPath)
	doc["file_ops"] = g.ops
	doc["create_time"] = w.now
	doc["last_modified"] = w.now
	_, err = w.fileOp.InsertOne(ctx, doc)
	return err
}

// upsertJobInfo never overwrites a FINISHED document: the filter misses it, the
// upsert collides with the unique uid index and the duplicate key is swallowed.
func (w *writer) upsertJobInfo(ctx context.Context, e model.EntrySnapshot) error {
	info := e.Info
	_, err := w.jobinfo.UpdateOne(ctx,
		bson.M{"uid": e.UID, "status": bson.M{"$ne": string(model.StatusFinished)}},
		bson.M{
			"$set":         jobInfoFields(e.UID, info),
			"$setOnInsert": bson.M{"create_time": w.now},
			"$currentDate": bson.M{"modified_time": true},
		},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return err
	}

	var errs error
	if info.JobScript != "" && info.JobScript != model.NoScript {
		_, err := w.jobScript.InsertOne(ctx, bson.M{
			"uid":         e.UID,
			"cluster":     info.Identity.Cluster,
			"jobid":       info.Identity.JobID,
			"script":      info.JobScript,
			"create_time": w.now,
		})
		errs = appendErr(errs, err)
	}

	meta := bson.M{"$set": bson.M{"status": string(info.Status), "username": info.Username}}
	if len(e.MDSTable) > 0 {
		_, err := w.mds.UpdateOne(ctx, bson.M{"uid": e.UID}, meta)
		errs = appendErr(errs, err)
	}
	if len(e.OSSTable) > 0 {
		_, err := w.oss.UpdateOne(ctx, bson.M{"uid": e.UID}, meta)
		errs = appendErr(errs, err)
	}
	return errs
}

var _ persistence.Sink = (*Sink)(nil)
