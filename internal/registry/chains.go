package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/crosslane/router/internal"
)

/*
Bolt DB schema:

chains/
|--> chainID (8B big-endian) -> *ChainRecord (json marshalled)

nativeBridges/
|--> chainID (8B big-endian) -> *NativeBridge (json marshalled)
*/
var (
	chainsBucket        = []byte("chains")
	nativeBridgesBucket = []byte("nativeBridges")
)

// ChainRecord maps a target chain to its universal transport endpoint.
type ChainRecord struct {
	ChainID    uint64 `json:"chainId"`
	EndpointID uint32 `json:"endpointId"`
	Registered bool   `json:"registered"`
}

// NativeBridge holds the connector pair for a native-bridge-capable chain.
type NativeBridge struct {
	ChainID  uint64         `json:"chainId"`
	Inbound  common.Address `json:"inbound"`
	Outbound common.Address `json:"outbound"`
}

// Chains is the chain registry: bbolt-persisted, read through an in-memory
// cache so the routing hot path never touches the database.
type Chains struct {
	db     *bolt.DB
	logger *zap.Logger

	mu      sync.RWMutex
	chains  map[uint64]ChainRecord
	bridges map[uint64]NativeBridge
}

// NewChains opens the registry over the given database, creating its
// buckets and warming the cache from any previously persisted records.
func NewChains(logger *zap.Logger, db *bolt.DB) (*Chains, error) {
	c := &Chains{
		db:      db,
		logger:  logger.With(zap.String("component", "ChainRegistry")),
		chains:  make(map[uint64]ChainRecord),
		bridges: make(map[uint64]NativeBridge),
	}

	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chainsBucket); err != nil {
			return fmt.Errorf("failed to create bucket=%s: %w", string(chainsBucket), err)
		}
		if _, err := tx.CreateBucketIfNotExists(nativeBridgesBucket); err != nil {
			return fmt.Errorf("failed to create bucket=%s: %w", string(nativeBridgesBucket), err)
		}

		if err := tx.Bucket(chainsBucket).ForEach(func(k, v []byte) error {
			var rec ChainRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			c.chains[rec.ChainID] = rec
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(nativeBridgesBucket).ForEach(func(k, v []byte) error {
			var nb NativeBridge
			if err := json.Unmarshal(v, &nb); err != nil {
				return err
			}
			c.bridges[nb.ChainID] = nb
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Chain registry loaded",
		zap.Int("chains", len(c.chains)),
		zap.Int("nativeBridges", len(c.bridges)))

	return c, nil
}

func chainKey(chainID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, chainID)
	return key
}

// Register stores a new chain -> endpoint mapping. A chain is never
// silently overwritten; re-registration fails.
func (c *Chains) Register(chainID uint64, endpointID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.chains[chainID]; exists {
		return fmt.Errorf("chain %d: %w", chainID, internal.ErrAlreadyRegistered)
	}

	rec := ChainRecord{ChainID: chainID, EndpointID: endpointID, Registered: true}
	err := c.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(chainsBucket).Put(chainKey(chainID), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to persist chain record: %w", err)
	}

	c.chains[chainID] = rec
	c.logger.Info("Chain registered",
		zap.Uint64("chainId", chainID),
		zap.Uint32("endpointId", endpointID))

	return nil
}

// IsRegistered reports whether the chain has an endpoint mapping.
func (c *Chains) IsRegistered(chainID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.chains[chainID]
	return ok
}

// EndpointID returns the universal transport endpoint for the chain.
func (c *Chains) EndpointID(chainID uint64) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.chains[chainID]
	if !ok {
		return 0, fmt.Errorf("chain %d: %w", chainID, internal.ErrChainNotRegistered)
	}
	return rec.EndpointID, nil
}

// RegisterNativeBridge adds the chain to the native-bridge-capable set.
// Idempotent: re-registering replaces the connector pair.
func (c *Chains) RegisterNativeBridge(chainID uint64, inbound, outbound common.Address) error {
	if inbound == (common.Address{}) || outbound == (common.Address{}) {
		return internal.ErrZeroAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nb := NativeBridge{ChainID: chainID, Inbound: inbound, Outbound: outbound}
	err := c.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(&nb)
		if err != nil {
			return err
		}
		return tx.Bucket(nativeBridgesBucket).Put(chainKey(chainID), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to persist native bridge record: %w", err)
	}

	c.bridges[chainID] = nb
	c.logger.Info("Native bridge registered",
		zap.Uint64("chainId", chainID),
		zap.String("inbound", inbound.Hex()),
		zap.String("outbound", outbound.Hex()))

	return nil
}

// UnregisterNativeBridge removes the chain from the native-bridge set.
func (c *Chains) UnregisterNativeBridge(chainID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nativeBridgesBucket).Delete(chainKey(chainID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete native bridge record: %w", err)
	}

	delete(c.bridges, chainID)
	c.logger.Info("Native bridge unregistered", zap.Uint64("chainId", chainID))

	return nil
}

// NativeBridgeOf returns the connector pair for a native-bridge chain.
func (c *Chains) NativeBridgeOf(chainID uint64) (NativeBridge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nb, ok := c.bridges[chainID]
	return nb, ok
}

// NativeBridgeSet returns a snapshot of the native-bridge-capable chains,
// the shape the routing engine consumes.
func (c *Chains) NativeBridgeSet() map[uint64]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set := make(map[uint64]bool, len(c.bridges))
	for id := range c.bridges {
		set[id] = true
	}
	return set
}
