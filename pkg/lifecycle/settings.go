package lifecycle

// Settings holds the Redis Streams transport configuration. With Enabled false
// the bus stays in process.
type Settings struct {
	Enabled  bool
	Addr     string
	Group    string
	Consumer string
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "study-chat",
		Consumer: "web-1",
	}
}
