// Package store defines the crawl and filter data shapes and the repository
// interfaces used to persist them. Implementations live in internal/storage;
// this package must not import database drivers or concrete clients.
package store
