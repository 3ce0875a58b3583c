package config

import "go.uber.org/fx"

// Params locates the configuration for NewStoreProvider.
type Params struct {
	fx.In
	Path        string `name:"configPath"`
	EnvFilePath string `name:"envFilePath" optional:"true"`
	Role        Role
}

// NewStoreProvider loads the configuration once at startup.
func NewStoreProvider(p Params) (*Store, error) {
	return NewStore(p.Path, p.EnvFilePath, p.Role)
}

// NewConfigProvider exposes the configuration as loaded at startup. Components that
// honor hot reload depend on *Store instead.
func NewConfigProvider(s *Store) *Config {
	return s.Current()
}

// Module provides *Store and *Config.
var Module = fx.Options(
	fx.Provide(NewStoreProvider),
	fx.Provide(NewConfigProvider),
)
