// Package config loads and validates the receiver daemon's JSON
// configuration.
//
// Every section carries defaults, applied by Load before validation, so
// a minimal config only names what differs:
//
//	{
//	  "readers": [
//	    {"type": "udp", "endpoint": "0.0.0.0:8888"}
//	  ]
//	}
package config
