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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buddies-project/buddies/config"
	"github.com/buddies-project/buddies/crypto/signer"
	"github.com/buddies-project/buddies/wire"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print this node's canonical identity label",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		sg, err := signer.New(cfg.SignerOptions())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sg.Identity())
		return nil
	},
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Mint and inspect room tickets",
}

var ticketMakeCmd = &cobra.Command{
	Use:   "make <room> [peer-addr...]",
	Short: "Mint a ticket for a room",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := wire.NewTicket(args[0], args[1:]).String()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <ticket>",
	Short: "Decode a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := wire.ParseTicket(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "room:  %s\ntopic: %x\n", t.Room, t.Topic)
		for _, p := range t.Peers {
			fmt.Fprintf(cmd.OutOrStdout(), "peer:  %s\n", p)
		}
		return nil
	},
}

func init() {
	ticketCmd.AddCommand(ticketMakeCmd, ticketShowCmd)
	rootCmd.AddCommand(identityCmd, ticketCmd)
}
