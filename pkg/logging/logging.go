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

// Package logging wires the structured logger every component in this
// module pulls from context, built on zap the way the rest of the
// codebase's controllers do.
package logging

import (
	"context"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"
)

// NewProduction builds the production logr.Logger: JSON-encoded zap at
// info level, wrapped through zapr the way controller-runtime expects.
func NewProduction() (crlog.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	zl, err := cfg.Build()
	if err != nil {
		return crlog.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// IntoContext installs log as the logger controller-runtime's log.FromContext
// (and this package's FromContext) will return for ctx's descendants.
func IntoContext(ctx context.Context, log crlog.Logger) context.Context {
	return crlog.IntoContext(ctx, log)
}

// FromContext returns the logger installed by IntoContext, or a no-op
// logger if none was ever installed.
func FromContext(ctx context.Context) crlog.Logger {
	return crlog.FromContext(ctx)
}
