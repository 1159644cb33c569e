package model

// Publish is an application message accepted by the server.
type Publish struct {
	Topic     string
	Payload   []byte
	QoS       uint8 // qos of received msg
	Retain    bool
	Publisher string // client id
}

// Subscription is one Topic Filter of a SUBSCRIBE packet.
type Subscription struct {
	Filter string
	QoS    uint8
}
