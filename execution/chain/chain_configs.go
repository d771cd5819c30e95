package chain

import "math/big"

var (
	// MainnetChainConfig is the chain parameters to run a node on the main network.
	MainnetChainConfig = &Config{
		ChainName:             "mainnet",
		ChainID:               big.NewInt(1),
		HomesteadBlock:        big.NewInt(1_150_000),
		TangerineWhistleBlock: big.NewInt(2_463_000),
		SpuriousDragonBlock:   big.NewInt(2_675_000),
		ByzantiumBlock:        big.NewInt(4_370_000),
		ConstantinopleBlock:   big.NewInt(7_280_000),
		PetersburgBlock:       big.NewInt(7_280_000),
		IstanbulBlock:         big.NewInt(9_069_000),
		BerlinBlock:           big.NewInt(12_244_000),
		LondonBlock:           big.NewInt(12_965_000),
	}

	// SepoliaChainConfig contains the chain parameters to run a node on the Sepolia test network.
	SepoliaChainConfig = &Config{
		ChainName:             "sepolia",
		ChainID:               big.NewInt(11155111),
		HomesteadBlock:        big.NewInt(0),
		TangerineWhistleBlock: big.NewInt(0),
		SpuriousDragonBlock:   big.NewInt(0),
		ByzantiumBlock:        big.NewInt(0),
		ConstantinopleBlock:   big.NewInt(0),
		PetersburgBlock:       big.NewInt(0),
		IstanbulBlock:         big.NewInt(0),
		BerlinBlock:           big.NewInt(0),
		LondonBlock:           big.NewInt(0),
		MergeNetsplitBlock:    big.NewInt(1_735_371),
	}

	// AllProtocolChanges has every rules revision active from genesis. Used by tests.
	AllProtocolChanges = &Config{
		ChainName:             "all-protocol-changes",
		ChainID:               big.NewInt(1337),
		HomesteadBlock:        big.NewInt(0),
		TangerineWhistleBlock: big.NewInt(0),
		SpuriousDragonBlock:   big.NewInt(0),
		ByzantiumBlock:        big.NewInt(0),
		ConstantinopleBlock:   big.NewInt(0),
		PetersburgBlock:       big.NewInt(0),
		IstanbulBlock:         big.NewInt(0),
		BerlinBlock:           big.NewInt(0),
		LondonBlock:           big.NewInt(0),
	}
)

// KnownChain looks up a bundled chain config by its common name.
func KnownChain(name string) *Config {
	switch name {
	case "mainnet":
		return MainnetChainConfig
	case "sepolia":
		return SepoliaChainConfig
	default:
		return nil
	}
}
