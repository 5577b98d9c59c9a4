package broker

var (
	_ Broker = (*SpotBroker)(nil)
	_ Broker = (*EquitiesBroker)(nil)
	_ Broker = (*Simulator)(nil)
)
