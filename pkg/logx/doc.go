// Package logx is the structured logger used across salesops, a thin
// wrapper over zerolog.
//
// Console output stays short (compact timestamp and caller), the optional
// file sink writes JSON, and records at or above the alert level can be
// forwarded to an operator chat through the messaging channel, rate limited
// so a burst of errors never floods it.
package logx
