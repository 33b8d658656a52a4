package main

const (
	exampleBeaconMAC       = "D0:4F:7E:12:34:56"
	exampleBeaconProximity = "b9407f30-f5f8-466e-aff9-25556b57fe6d:1000:42"
	beaconIdentifierNote   = "Beacon identifier format: MAC address (AA:BB:CC:DD:EE:FF) or <proximity-uuid>:<major>:<minor>\n  Proximity identifiers are resolved by scanning for the matching iBeacon advertisement"
)
