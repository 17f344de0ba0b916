// Package identity derives the connection identity of a session and the topic
// names it publishes and subscribes on.
//
// Every function in this package is pure apart from random id generation; no
// topic computation touches the network.
package identity
