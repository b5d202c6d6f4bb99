package config

// flowSchema is unified with every CUE source so that type errors are
// reported with CUE positions before decoding. Definitions are closed:
// misspelled keys fail.
const flowSchema = `
#Duration: string | int

#Port: string | {
	host_ip?:  string
	host:      int & >=1 & <=65535
	container: int & >=1 & <=65535
	protocol?: "tcp" | "udp"
}

#Volume: string | {
	host:       string
	container:  string
	read_only?: bool
}

#HealthCheck: {
	test?: [...string]
	interval?:     #Duration
	timeout?:      #Duration
	retries?:      int & >=0
	start_period?: #Duration
	multiplier?:   number & >=1
	max_interval?: #Duration
}

#Build: {
	context?:    string
	dockerfile?: string
	target?:     string
	args?: [string]: string
}

#Service: {
	image?:   string
	version?: string
	command?: [...string]
	ports?: [...#Port]
	environment?: [string]: string
	volumes?: [...#Volume]
	depends_on?: [...string]
	build?:       #Build
	healthcheck?: #HealthCheck
	restart?:     "never" | "always" | "on-failure" | "unless-stopped"
}

#Resource: {
	provider: string
	type:     string
	name:     string
	attributes?: {...}
	depends_on?: [...string]
}

#Stage: {
	services?: [...string]
	variables?: [string]: string
	resources?: [...#Resource]
}

#Flow: {
	name?: string
	services?: [string]: #Service
	stages?: [string]:   #Stage
}
`
