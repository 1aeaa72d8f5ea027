package transport

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Confirmer receives the one-shot delivery confirmation for an outbound
// message. The coordinator implements it.
type Confirmer interface {
	Confirm(messageID string, ok bool, reason string) error
}

// Memory is an in-process stand-in for both transports, used by the serve
// command's dry-run mode and by tests. It assigns uuid message ids and,
// when wired to a Confirmer, delivers a success confirmation after a fixed
// simulated latency.
type Memory struct {
	logger  *zap.Logger
	latency time.Duration

	mu        sync.Mutex
	confirmer Confirmer
	fee       *big.Int

	// Sent records every dispatch for assertions.
	Sent []MemorySend
}

// MemorySend is one recorded dispatch.
type MemorySend struct {
	EndpointID uint32
	Connector  common.Address
	Payload    []byte
	Options    SendOptions
	Fee        *big.Int
	MessageID  string
}

// NewMemory builds the in-process transport. latency of zero means
// confirmations are only delivered manually by tests.
func NewMemory(logger *zap.Logger, latency time.Duration) *Memory {
	return &Memory{
		logger:  logger.With(zap.String("component", "MemoryTransport")),
		latency: latency,
		fee:     big.NewInt(1_000_000_000_000_000),
	}
}

// SetConfirmer wires the inbound confirmation path.
func (m *Memory) SetConfirmer(c Confirmer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmer = c
}

// Quote returns a flat fee.
func (m *Memory) Quote(ctx context.Context, endpointID uint32, payload []byte, opts SendOptions) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.fee), nil
}

// Send records the dispatch and schedules a confirmation.
func (m *Memory) Send(ctx context.Context, endpointID uint32, payload []byte, opts SendOptions, fee *big.Int) (string, error) {
	messageID := uuid.New().String()

	m.mu.Lock()
	m.Sent = append(m.Sent, MemorySend{
		EndpointID: endpointID,
		Payload:    payload,
		Options:    opts,
		Fee:        fee,
		MessageID:  messageID,
	})
	m.mu.Unlock()

	m.logger.Debug("Memory transport send",
		zap.Uint32("endpointId", endpointID),
		zap.String("messageId", messageID))

	m.scheduleConfirm(messageID)
	return messageID, nil
}

// Forward records the dispatch and schedules a confirmation.
func (m *Memory) Forward(ctx context.Context, connector common.Address, payload []byte, gasLimit uint64) (string, error) {
	messageID := uuid.New().String()

	m.mu.Lock()
	m.Sent = append(m.Sent, MemorySend{
		Connector: connector,
		Payload:   payload,
		MessageID: messageID,
	})
	m.mu.Unlock()

	m.logger.Debug("Memory transport forward",
		zap.String("connector", connector.Hex()),
		zap.String("messageId", messageID))

	m.scheduleConfirm(messageID)
	return messageID, nil
}

func (m *Memory) scheduleConfirm(messageID string) {
	m.mu.Lock()
	confirmer := m.confirmer
	latency := m.latency
	m.mu.Unlock()

	if confirmer == nil || latency <= 0 {
		return
	}

	time.AfterFunc(latency, func() {
		if err := confirmer.Confirm(messageID, true, "delivered"); err != nil {
			m.logger.Warn("Confirmation rejected", zap.String("messageId", messageID), zap.Error(err))
		}
	})
}

// LastMessageID returns the id of the most recent dispatch, empty if none.
func (m *Memory) LastMessageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return ""
	}
	return m.Sent[len(m.Sent)-1].MessageID
}

// NopVouchers is a voucher service that accepts everything; the dry-run
// collaborator for the asset-transfer variant.
type NopVouchers struct{}

func (NopVouchers) Lock(ctx context.Context, txID uint64, amount *big.Int) error { return nil }
func (NopVouchers) Redeem(ctx context.Context, txID uint64) error                { return nil }
func (NopVouchers) Release(ctx context.Context, txID uint64) error               { return nil }
