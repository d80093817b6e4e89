package remediation

import "fmt"

// Service actions below are simulated: they touch no collaborator and only
// echo their input in a canned reply.

func restart(service string) Response {
	return Response{
		Status:  StatusSuccess,
		Action:  ActionRestart,
		Service: service,
		Message: fmt.Sprintf("Restarted %s (mock)", service),
	}
}

func scale(service string, replicas int) Response {
	return Response{
		Status:   StatusSuccess,
		Action:   ActionScale,
		Service:  service,
		Replicas: &replicas,
		Message:  fmt.Sprintf("Scaled %s to %d replicas", service, replicas),
	}
}

func rollback(service string) Response {
	return Response{
		Status:  StatusSuccess,
		Action:  ActionRollback,
		Service: service,
		Message: fmt.Sprintf("Rollback applied to %s", service),
	}
}

func drain(service string) Response {
	return Response{
		Status:  StatusSuccess,
		Action:  ActionDrain,
		Service: service,
		Message: fmt.Sprintf("Traffic drained for %s", service),
	}
}

func notify() Response {
	return Response{
		Status:  StatusSuccess,
		Action:  ActionNotify,
		Message: "SRE has been notified",
	}
}
