/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config carries the block manager's configuration surface: every
// knob named in the external-interfaces contract, validated and injected
// through context the way the rest of this codebase's settings travel.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

type settingsKeyType struct{}

// ContextKey is the context key Settings is stored under.
var ContextKey = settingsKeyType{}

// Settings is the full configuration surface. Field names mirror the
// configuration surface table; durations are already parsed, not raw
// strings.
type Settings struct {
	ReplicationMin     int16 `validate:"min=1"`
	ReplicationMax     int16 `validate:"min=1,max=32767"`
	ReplicationDefault int16 `validate:"min=1"`

	ReplicationMaxStreams          int           `validate:"min=0"`
	ReplicationMaxStreamsHardLimit int           `validate:"min=0"`
	ReplicationInterval            time.Duration `validate:"min=0"`
	ReplicationPendingTimeout      time.Duration `validate:"min=0"`

	BlockMisreplicationProcessingLimit int     `validate:"min=1"`
	BlockReportInvalidateWorkPct       float64 `validate:"min=0,max=1"`
	ReplicationWorkMultiplier          int     `validate:"min=1"`

	StartupDelayBlockDeletion time.Duration `validate:"min=0"`

	BlockAccessTokenEnable       bool
	BlockAccessKeyUpdateInterval time.Duration `validate:"min=0"`
	BlockAccessTokenLifetime     time.Duration `validate:"min=0"`
	DataEncryptionAlgorithm      string
	EncryptDataTransfer          bool

	MaxNumBlocksToLog int `validate:"min=0"`
}

// Default returns the configuration surface's documented defaults.
func Default() *Settings {
	return &Settings{
		ReplicationMin:                     1,
		ReplicationMax:                     512,
		ReplicationDefault:                 3,
		ReplicationMaxStreams:              2,
		ReplicationMaxStreamsHardLimit:     4,
		ReplicationInterval:                3 * time.Second,
		ReplicationPendingTimeout:          5 * time.Minute,
		BlockMisreplicationProcessingLimit: 10000,
		BlockReportInvalidateWorkPct:       0.32,
		ReplicationWorkMultiplier:          2,
		StartupDelayBlockDeletion:          0,
		MaxNumBlocksToLog:                  1000,
	}
}

// Validate checks struct-tag constraints plus the cross-field invariants
// the table implies (min <= default <= max, hard limit >= soft limit).
func (s Settings) Validate() error {
	return multierr.Combine(
		validator.New().Struct(s),
		s.validateReplicationRange(),
		s.validateStreamLimits(),
	)
}

func (s Settings) validateReplicationRange() error {
	if s.ReplicationMin > s.ReplicationDefault {
		return fmt.Errorf("replication.min (%d) exceeds replication.default (%d)", s.ReplicationMin, s.ReplicationDefault)
	}
	if s.ReplicationDefault > s.ReplicationMax {
		return fmt.Errorf("replication.default (%d) exceeds replication.max (%d)", s.ReplicationDefault, s.ReplicationMax)
	}
	return nil
}

func (s Settings) validateStreamLimits() error {
	if s.ReplicationMaxStreamsHardLimit < s.ReplicationMaxStreams {
		return fmt.Errorf("replication.max-streams-hard-limit (%d) is below replication.max-streams (%d)",
			s.ReplicationMaxStreamsHardLimit, s.ReplicationMaxStreams)
	}
	return nil
}

// FromEnv overlays environment variables (BLOCKMANAGER_<FIELD>, upper
// snake case) onto Default(), then validates. Unset variables keep their
// default.
func FromEnv() (*Settings, error) {
	s := Default()

	overlayInt16 := func(key string, target *int16) error {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		v, err := strconv.ParseInt(raw, 10, 16)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*target = int16(v)
		return nil
	}
	overlayInt := func(key string, target *int) error {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*target = v
		return nil
	}
	overlayDuration := func(key string, target *time.Duration) error {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*target = v
		return nil
	}
	overlayFloat := func(key string, target *float64) error {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*target = v
		return nil
	}
	overlayBool := func(key string, target *bool) error {
		raw, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*target = v
		return nil
	}

	if err := multierr.Combine(
		overlayInt16("BLOCKMANAGER_REPLICATION_MIN", &s.ReplicationMin),
		overlayInt16("BLOCKMANAGER_REPLICATION_MAX", &s.ReplicationMax),
		overlayInt16("BLOCKMANAGER_REPLICATION_DEFAULT", &s.ReplicationDefault),
		overlayInt("BLOCKMANAGER_REPLICATION_MAX_STREAMS", &s.ReplicationMaxStreams),
		overlayInt("BLOCKMANAGER_REPLICATION_MAX_STREAMS_HARD_LIMIT", &s.ReplicationMaxStreamsHardLimit),
		overlayDuration("BLOCKMANAGER_REPLICATION_INTERVAL", &s.ReplicationInterval),
		overlayDuration("BLOCKMANAGER_REPLICATION_PENDING_TIMEOUT", &s.ReplicationPendingTimeout),
		overlayInt("BLOCKMANAGER_BLOCK_MISREPLICATION_PROCESSING_LIMIT", &s.BlockMisreplicationProcessingLimit),
		overlayFloat("BLOCKMANAGER_BLOCKREPORT_INVALIDATE_WORK_PCT", &s.BlockReportInvalidateWorkPct),
		overlayInt("BLOCKMANAGER_REPLICATION_WORK_MULTIPLIER", &s.ReplicationWorkMultiplier),
		overlayDuration("BLOCKMANAGER_STARTUP_DELAY_BLOCK_DELETION", &s.StartupDelayBlockDeletion),
		overlayBool("BLOCKMANAGER_BLOCK_ACCESS_TOKEN_ENABLE", &s.BlockAccessTokenEnable),
		overlayDuration("BLOCKMANAGER_BLOCK_ACCESS_KEY_UPDATE_INTERVAL", &s.BlockAccessKeyUpdateInterval),
		overlayDuration("BLOCKMANAGER_BLOCK_ACCESS_TOKEN_LIFETIME", &s.BlockAccessTokenLifetime),
		overlayBool("BLOCKMANAGER_ENCRYPT_DATA_TRANSFER", &s.EncryptDataTransfer),
		overlayInt("BLOCKMANAGER_MAX_NUM_BLOCKS_TO_LOG", &s.MaxNumBlocksToLog),
	); err != nil {
		return nil, err
	}
	if raw, ok := os.LookupEnv("BLOCKMANAGER_DATA_ENCRYPTION_ALGORITHM"); ok {
		s.DataEncryptionAlgorithm = raw
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating settings: %w", err)
	}
	return s, nil
}

// ToContext stores s in ctx.
func ToContext(ctx context.Context, s *Settings) context.Context {
	return context.WithValue(ctx, ContextKey, s)
}

// FromContext retrieves the Settings stored by ToContext. Panics if none
// was ever injected -- a developer error, same contract as the teacher's
// settings package.
func FromContext(ctx context.Context) *Settings {
	data := ctx.Value(ContextKey)
	if data == nil {
		panic("config: settings not present in context")
	}
	return data.(*Settings)
}
