// Package database manages the controller's SQLite file and the device
// state-history store kept in it.
package database
