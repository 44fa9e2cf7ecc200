package port

// SharedStore is a small string key/value store visible to every process on the host.
type SharedStore interface {
	// Get returns the value and whether the key exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Notifier carries advisory messages between holders of the same shared store.
type Notifier interface {
	Publish(topic, msg string)
	// Subscribe returns a channel of messages for topic and a function that cancels it.
	Subscribe(topic string) (<-chan string, func())
}
