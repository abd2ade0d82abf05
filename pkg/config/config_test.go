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

package config_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nimbusfs/blockmanager/pkg/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config")
}

var _ = Describe("Settings", func() {
	It("validates the documented defaults", func() {
		Expect(config.Default().Validate()).To(Succeed())
	})

	It("rejects replication.max below replication.default", func() {
		s := config.Default()
		s.ReplicationMax = 2
		s.ReplicationDefault = 3
		Expect(s.Validate()).To(HaveOccurred())
	})

	It("rejects a hard stream limit below the soft limit", func() {
		s := config.Default()
		s.ReplicationMaxStreams = 5
		s.ReplicationMaxStreamsHardLimit = 4
		Expect(s.Validate()).To(HaveOccurred())
	})

	It("round-trips through context", func() {
		s := config.Default()
		ctx := config.ToContext(context.Background(), s)
		Expect(config.FromContext(ctx)).To(BeIdenticalTo(s))
	})

	It("panics when no settings were ever injected", func() {
		Expect(func() { config.FromContext(context.Background()) }).To(Panic())
	})
})
