// Package nodecfg holds the runtime settings shared by the stage commands.
package nodecfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"

	"github.com/AndreaLanfranchi/silkworm/execution/chain"
)

// Dirs is the on-disk layout of a data directory.
type Dirs struct {
	DataDir   string
	Chaindata string
	Tmp       string
}

func NewDirs(datadir string) Dirs {
	return Dirs{
		DataDir:   datadir,
		Chaindata: filepath.Join(datadir, "chaindata"),
		Tmp:       filepath.Join(datadir, "temp"),
	}
}

// MustExist creates the directories if missing.
func (d Dirs) MustExist() error {
	for _, dir := range []string{d.DataDir, d.Chaindata, d.Tmp} {
		if err := os.MkdirAll(dir, 0744); err != nil {
			return fmt.Errorf("could not create dir: %s, %w", dir, err)
		}
	}
	return nil
}

const DefaultBatchSize = 512 * datasize.MB

// NodeSettings gathers what the sender recovery stage consumes: the data
// layout, the memory budget, the chain rules and the bad-block policy.
type NodeSettings struct {
	Dirs        Dirs
	BatchSize   datasize.ByteSize
	ChainConfig *chain.Config

	// BadBlockHalt - fail the stage when a worker can not recover a public
	// key, instead of emitting a zero sender address and continuing
	BadBlockHalt bool
}

func DefaultSettings(datadir string) *NodeSettings {
	return &NodeSettings{
		Dirs:         NewDirs(datadir),
		BatchSize:    DefaultBatchSize,
		ChainConfig:  chain.MainnetChainConfig,
		BadBlockHalt: true,
	}
}

// FileConfig is the optional TOML companion of the command line flags.
// Flags win over file values.
type FileConfig struct {
	DataDir   string `toml:"datadir"`
	Chain     string `toml:"chain"`
	BatchSize string `toml:"batch_size"`
	Verbosity *int   `toml:"verbosity"`
}

func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &FileConfig{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}
