// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads pairspace configuration from a single YAML file.
//
// The file is named by the PAIRSPACE_CONFIG environment variable
// ([Load]) or a --config flag ([LoadFile]). There is no discovery and
// no environment variable overrides a value written in the file; the
// only expansion is ${VAR} and ${VAR:-default} inside URL fields.
//
// A file may carry development, staging, and production sections.
// The section matching [Config].Environment is decoded on top of the
// base settings, so it only needs the keys it changes:
//
//	environment: production
//	sync:
//	  relay_url: wss://relay.example.com
//	production:
//	  sync:
//	    backoff:
//	      max: 60s
//
// Secrets never live in the YAML file. Commands read them from the
// environment, optionally populated from a .env file with
// [LoadDotEnv].
package config
