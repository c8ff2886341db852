// SPDX-FileCopyrightText: © 2025 Brisby authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes prometheus metrics for the transfer
// engines and the index service.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChunksServed counts chunk responses sent by the seeder.
	ChunksServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brisby_seeder_chunks_served_total",
			Help: "Number of chunk responses served",
		},
	)
	// RequestsDropped counts inbound requests dropped by seeder
	// backpressure.
	RequestsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brisby_seeder_requests_dropped_total",
			Help: "Number of inbound requests dropped by rate limits",
		},
	)
	// ChunksFetched counts verified chunks the leecher stored.
	ChunksFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brisby_leecher_chunks_fetched_total",
			Help: "Number of chunks fetched and verified",
		},
	)
	// ChunkRetries counts chunk attempts that failed and were retried.
	ChunkRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brisby_leecher_chunk_retries_total",
			Help: "Number of chunk attempts retried",
		},
		[]string{"reason"},
	)
	// SeedersBanned counts seeders removed after consecutive failures.
	SeedersBanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brisby_leecher_seeders_banned_total",
			Help: "Number of seeders banned",
		},
	)
	// SearchQueries counts queries answered by the index service.
	SearchQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brisby_index_search_queries_total",
			Help: "Number of search queries answered",
		},
	)
	// Publications counts publish upserts accepted by the index
	// service.
	Publications = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brisby_index_publications_total",
			Help: "Number of publications accepted",
		},
	)
	// EntriesPurged counts rows removed by the purge worker: expired
	// publisher rows plus entries left without publishers.
	EntriesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brisby_index_entries_purged_total",
			Help: "Number of expired publisher rows and orphaned index entries purged",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ChunksServed,
		RequestsDropped,
		ChunksFetched,
		ChunkRetries,
		SeedersBanned,
		SearchQueries,
		Publications,
		EntriesPurged,
	)
}

// Handler returns the metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
