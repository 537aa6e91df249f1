// Package database provides the PostgreSQL connection pool for the credential store.
//
// The store holds one brokerage session row per user (access token, account
// numbers, expiry). It is maintained by the surrounding application's OAuth
// flow; this service only reads it.
package database
