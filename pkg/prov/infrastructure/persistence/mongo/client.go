package mongo

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
)

// IndexSpec is one index the sink relies on.
type IndexSpec struct {
	Collection string
	Keys       bson.D
	Unique     bool
}

// Indexes lists every index ensured once per process.
var Indexes = []IndexSpec{
	{Collection: CollJobInfo, Keys: bson.D{{Key: "uid", Value: 1}}, Unique: true},
	{Collection: CollJobScript, Keys: bson.D{{Key: "cluster", Value: 1}, {Key: "jobid", Value: 1}}, Unique: true},
	{Collection: CollFileOp, Keys: bson.D{{Key: "uid", Value: 1}, {Key: "target_fid", Value: 1}}},
	{Collection: CollMDSStats, Keys: bson.D{{Key: "uid", Value: 1}}},
	{Collection: CollOSSStats, Keys: bson.D{{Key: "uid", Value: 1}}},
}

type database struct {
	client *mongo.Client
	db     *mongo.Database
}

// DialConnector connects a fresh client per flush.
func DialConnector(cfg config.MongoDBConfig) Connector {
	return func(ctx context.Context) (Database, error) {
		opts := options.Client().ApplyURI(cfg.URI())
		if mode := strings.TrimSpace(cfg.AuthMode); mode != "" && !strings.EqualFold(mode, "none") {
			opts.SetAuth(options.Credential{
				AuthMechanism: mode,
				AuthSource:    cfg.Database,
				Username:      cfg.Username,
				Password:      cfg.Password,
			})
		}
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &database{client: client, db: client.Database(cfg.Database)}, nil
	}
}

func (d *database) Collection(name string) Collection {
	return d.db.Collection(name)
}

func (d *database) EnsureIndexes(ctx context.Context) error {
	for _, ix := range Indexes {
		model := mongo.IndexModel{Keys: ix.Keys}
		if ix.Unique {
			model.Options = options.Index().SetUnique(true)
		}
		if _, err := d.db.Collection(ix.Collection).Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func (d *database) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}
