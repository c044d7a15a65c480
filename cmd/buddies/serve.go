// Copyright (C) 2025 buddies-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/buddies-project/buddies/config"
	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/internal/metrics"
	"github.com/buddies-project/buddies/node"
	"github.com/buddies-project/buddies/store"
	"github.com/buddies-project/buddies/tools"
	"github.com/buddies-project/buddies/transport"
	"github.com/buddies-project/buddies/transport/memory"
	"github.com/buddies-project/buddies/transport/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sidecar node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return logrus.NewEntry(log)
}

// endpointID loads or creates the node's stable transport identity.
func endpointID(st *store.Store) (string, error) {
	if raw, err := st.GetNodeKey("endpoint"); err != nil {
		return "", err
	} else if raw != nil {
		return string(raw), nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate endpoint id: %w", err)
	}
	id := hex.EncodeToString(buf)
	if err := st.PutNodeKey("endpoint", []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func buildTransport(ctx context.Context, cfg *config.Config, nodeID string, log *logrus.Entry) (transport.Transport, error) {
	if cfg.Relay == "" {
		// no relay configured: the node joins a private in-process mesh
		// with no other peers on it and keeps working disconnected
		mesh := memory.NewMesh()
		return mesh.Join(nodeID)
	}
	return ws.Dial(ctx, nodeID, []string{cfg.Relay}, log.WithField("component", "ws"))
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg.LogLevel)
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	sg, err := signer.New(cfg.SignerOptions())
	if err != nil {
		return err
	}
	nodeID, err := endpointID(st)
	if err != nil {
		return err
	}
	tr, err := buildTransport(ctx, cfg, nodeID, log)
	if err != nil {
		return err
	}

	n := node.New(node.Params{
		User:      cfg.User,
		Agent:     cfg.Agent,
		Transport: tr,
		Signer:    sg,
		Store:     st,
		Log:       log.WithField("component", "node"),
		Metrics:   metrics.New(),
	})
	defer n.Close()
	svc := tools.NewService(n, log.WithField("component", "tools"))

	log.WithFields(logrus.Fields{
		"identity":  n.Identity(),
		"node_id":   n.NodeID(),
		"transport": cfg.Transport,
	}).Info("buddies node up")

	g, ctx := errgroup.WithContext(ctx)

	if cfg.RelayListen != "" {
		relay := ws.NewRelay(log.WithField("component", "relay"))
		srv := &http.Server{Addr: cfg.RelayListen, Handler: relay}
		g.Go(func() error { return runHTTP(ctx, srv, "relay", log) })
	}

	switch cfg.Transport {
	case "http":
		srv := &http.Server{Addr: cfg.Listen, Handler: svc.Router()}
		g.Go(func() error { return runHTTP(ctx, srv, "tools", log) })
	case "stdio", "":
		g.Go(func() error { return svc.ServeStdio(ctx, os.Stdin, os.Stdout) })
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	return g.Wait()
}

func runHTTP(ctx context.Context, srv *http.Server, name string, log *logrus.Entry) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.WithField("addr", srv.Addr).Infof("%s listening", name)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
