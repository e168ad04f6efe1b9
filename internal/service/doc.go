// Package service supervises a local WebDriver-style driver process such as
// safaridriver.
//
// A Service launches the driver on a TCP port, waits until the port accepts
// connections, and later tears the driver down in stages:
//
//  1. GET {url}/shutdown, asking the driver to exit on its own
//  2. Poll the port until it stops accepting connections
//  3. Close stdin, send a termination signal, wait up to 60 seconds
//  4. Kill the process unconditionally
//
// The driver's stdout and stderr go to a Sink, which is closed exactly once
// when the service stops.
//
// # Usage
//
//	svc, err := service.New(service.Config{
//	    Executable: "/usr/bin/safaridriver",
//	    Variant: service.ArgsFunc(func(port int) []string {
//	        return []string{"-p", strconv.Itoa(port)}
//	    }),
//	})
//	if err != nil {
//	    return err
//	}
//	defer svc.Stop()
//
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	fmt.Println(svc.URL())
//
// # Errors
//
// Start reports a *LaunchError when the executable cannot be spawned,
// a *ProcessExitedError when the driver exits before becoming reachable,
// and ErrConnectTimeout when it never listens. Stop never fails.
package service
