// Package auth establishes user identity from credentials.
//
// Two strategies form a closed set: LocalStrategy checks a username and
// password against the credential store, and FederatedStrategy turns an OAuth
// authorization code into a provider profile and finds or creates the matching
// user. Selector dispatches a Credentials value to the strategy that handles
// its concrete type.
//
// Failures are reported with the sentinel errors in package common. Local
// authentication never distinguishes an unknown username from a wrong
// password.
package auth
