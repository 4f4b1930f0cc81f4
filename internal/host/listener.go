package host

// Listener observes graph changes made through a Host. Callbacks run on
// the goroutine that made the change, after the host lock is released.
type Listener interface {
	OnStart()
	OnStop()
	OnModuleCreated(name string, inputChannels, outputChannels int)
	OnModuleDeleted(name string)
	OnModuleActivated(name string)
	OnModuleDeactivated(name string)
	OnPortsConnected(source string, sourcePort int, sink string, sinkPort int)
	OnPortsDisconnected(source string, sourcePort int, sink string, sinkPort int)
}

// NopListener implements Listener with no-ops. Embed it to override only
// some callbacks.
type NopListener struct{}

func (NopListener) OnStart()                                     {}
func (NopListener) OnStop()                                      {}
func (NopListener) OnModuleCreated(string, int, int)             {}
func (NopListener) OnModuleDeleted(string)                       {}
func (NopListener) OnModuleActivated(string)                     {}
func (NopListener) OnModuleDeactivated(string)                   {}
func (NopListener) OnPortsConnected(string, int, string, int)    {}
func (NopListener) OnPortsDisconnected(string, int, string, int) {}
