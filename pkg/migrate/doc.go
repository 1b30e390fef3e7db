/*
Package migrate implements the Migration Runner: a Runner
holds an ordered list of named Steps, and Apply brings a record's
Meta.AppliedMigrations up to date by running every step not already
present there.
*/
package migrate
