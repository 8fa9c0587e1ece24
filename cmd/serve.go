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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ringserver/ringserver/confengine"
	"github.com/ringserver/ringserver/internal/sigs"
	"github.com/ringserver/ringserver/listener"
	"github.com/ringserver/ringserver/logger"
	"github.com/ringserver/ringserver/server"
	"github.com/ringserver/ringserver/supervisor"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the streaming packet server",
	Example: "# ringserver serve --config ringserver.yaml",
	Run:     runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "ringserver.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	conf, err := confengine.LoadConfigPath(serveConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logOpts logger.Options
	if err := conf.UnpackChild("logger", &logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "failed to unpack logger config: %v\n", err)
		os.Exit(1)
	}
	logger.SetOptions(logOpts)

	var svCfg supervisor.Config
	if err := conf.UnpackChild("supervisor", &svCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to unpack supervisor config: %v\n", err)
		os.Exit(1)
	}

	sv, err := supervisor.New(svCfg, serveConfigPath, listener.NoopHandler{}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open ring: %v\n", err)
		os.Exit(1)
	}

	if err := sv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start listeners: %v\n", err)
		os.Exit(1)
	}

	svr, err := server.New(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create status server: %v\n", err)
		os.Exit(1)
	}
	if svr != nil {
		registerStatusRoutes(svr, sv)
		go func() {
			if err := svr.ListenAndServe(); err != nil {
				logger.Errorf("status server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- sv.Run(ctx)
	}()

	var reloadTotal int
	for {
		select {
		case err := <-runErr:
			if err != nil {
				logger.Errorf("supervisor exited: %v", err)
			}
			cancel()
			if serr := sv.Shutdown(); serr != nil {
				logger.Errorf("supervisor shutdown: %v", serr)
			}
			return

		case <-sigs.Terminate():
			logger.Infof("received termination signal")
			sv.RequestShutdown()

		case <-sigs.Reload():
			reloadTotal++
			logger.Infof("received reload signal (count=%d); config mtime is polled each tick", reloadTotal)

		case <-sigs.Dump():
			logger.Infof("state dump: %+v", sv.DumpState())
		}
	}
}

func registerStatusRoutes(svr *server.Server, sv *supervisor.Supervisor) {
	svr.RegisterGetRoute("/metrics", promhttp.Handler().ServeHTTP)
	svr.RegisterGetRoute("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sv.DumpState()); err != nil {
			logger.Errorf("status route: %v", err)
		}
	})
	svr.RegisterGetRoute("/status/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")

		// The server-wide write timeout would cut this long-lived stream;
		// clear the deadline for this response only.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		q := sv.Subscribe()
		defer q.Close()

		for {
			snap, ok := q.PopTimeout(30 * time.Second)
			if !ok {
				if r.Context().Err() != nil {
					return
				}
				continue
			}
			w.Write([]byte("data: "))
			if err := json.NewEncoder(w).Encode(snap); err != nil {
				return
			}
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	})
	svr.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
			return
		}
		w.Write([]byte(`{"status":"success"}`))
	})
}
