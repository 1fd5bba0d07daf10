// Package crawler holds the domain model of the price monitor: queue items,
// circuit records, extraction strategies and results, plus the interfaces the
// orchestration core consumes (fetchers, proxies, stores, notifiers).
package crawler
