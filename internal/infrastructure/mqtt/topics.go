package mqtt

import "fmt"

// TopicPrefix is the root of every driverservice topic.
const TopicPrefix = "driverservice"

// Topics builds driverservice topic names.
//
//	mqtt.Topics{}.ServiceStatus("safaridriver")
//	// driverservice/service/safaridriver/status
type Topics struct{}

// ServiceStatus carries the retained lifecycle status of a service.
func (Topics) ServiceStatus(name string) string {
	return fmt.Sprintf("%s/service/%s/status", TopicPrefix, name)
}

// ServiceEvent carries every lifecycle event of a service, not retained.
func (Topics) ServiceEvent(name string) string {
	return fmt.Sprintf("%s/service/%s/event", TopicPrefix, name)
}

// ServiceCommand receives commands for a service.
func (Topics) ServiceCommand(name string) string {
	return fmt.Sprintf("%s/service/%s/command", TopicPrefix, name)
}

// SystemStatus carries this process's online/offline presence and the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllServiceStatus matches the status topic of every service.
func (Topics) AllServiceStatus() string {
	return TopicPrefix + "/service/+/status"
}
