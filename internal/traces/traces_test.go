/*
Copyright 2024 Hookrelay Authors.

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

package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupOTelSDK(t *testing.T) {
	ctx := context.Background()
	shutdown, err := SetupOTelSDK(ctx, "hookrelay-test", Options{Endpoint: "127.0.0.1:4318", Insecure: true, Version: "test"})
	require.NoError(t, err)

	_, span := otel.Tracer("hookrelay-test").Start(ctx, "ping")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	// nothing listens on the endpoint; only the shutdown path matters here
	_ = shutdown(ctx)
	assert.NoError(t, shutdown(ctx))
}
