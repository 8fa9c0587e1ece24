// Copyright 2025 The ringserver Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringserver/ringserver/confengine"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	conf, err := confengine.LoadContent([]byte("server:\n  enabled: false\n"))
	require.NoError(t, err)

	s, err := New(conf)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestRegisterGetRouteServesRegisteredPath(t *testing.T) {
	conf, err := confengine.LoadContent([]byte("server:\n  enabled: true\n  address: :0\n"))
	require.NoError(t, err)

	s, err := New(conf)
	require.NoError(t, err)
	require.NotNil(t, s)

	s.RegisterGetRoute("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestRegisterGetRouteRejectsPostMethod(t *testing.T) {
	conf, err := confengine.LoadContent([]byte("server:\n  enabled: true\n  address: :0\n"))
	require.NoError(t, err)
	s, err := New(conf)
	require.NoError(t, err)

	s.RegisterGetRoute("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPprofRoutesRegisteredWhenEnabled(t *testing.T) {
	conf, err := confengine.LoadContent([]byte("server:\n  enabled: true\n  address: :0\n  pprof: true\n"))
	require.NoError(t, err)
	s, err := New(conf)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
