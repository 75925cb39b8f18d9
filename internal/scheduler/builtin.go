package scheduler

var builtin = map[string]Descriptor{
	"PBSPro": {
		Submit:        "qsub",
		Del:           "qdel",
		QueueOpt:      "-q",
		BulkJobOpt:    "-J",
		Stat:          "qstat -x -f",
		BulkStat:      "qstat -x -f -t",
		StatDelimiter: "\n\n",
		ReJobID:       `^(\d+)`,
		ReRunning:     `job_state = [QRHWEBTS]`,
		ReReturnCode:  `Exit_status = (-?\d+)`,
		ReJobStatus:   `Exit_status = (-?\d+)`,
		ReSubJobIndex: `Job Id: \d+\[(\d+)\]`,
		ReFailed:      `Exit_status = -\d+`,

		ExceededRtList:       []int{38},
		ReExceededLimitError: `would exceed (queue|complex)'s per-user limit`,
	},
	"Slurm": {
		Submit:        "sbatch",
		Del:           "scancel",
		QueueOpt:      "-p",
		BulkJobOpt:    "--array",
		Stat:          "squeue --noheader -o %i|%T -j",
		StatAfter:     "sacct --noheader -P -o JobID,State,ExitCode -j",
		BulkStatAfter: "sacct --noheader -P -o JobID,State,ExitCode -j",
		StatDelimiter: "\n",
		ReJobID:       `Submitted batch job (\d+)`,
		ReRunning:     `(PENDING|RUNNING|CONFIGURING|COMPLETING|SUSPENDED|REQUEUED)`,
		ReReturnCode:  `\|(\d+):\d+`,
		ReJobStatus:   `\|\d+:(\d+)`,
		ReSubJobIndex: `^\d+_(\d+)\|`,
		ReFailed:      `\|(FAILED|CANCELLED|TIMEOUT|NODE_FAIL|OUT_OF_MEMORY|BOOT_FAIL|DEADLINE)`,

		ReExceededLimitError: `(QOSMaxSubmitJobPerUserLimit|AssocMaxSubmitJobLimit)`,
		AllowEmptyOutput:     true,
	},
	"Fugaku": {
		Submit:        "pjsub -X",
		Del:           "pjdel",
		QueueOpt:      "-L rscgrp=",
		StepJobOpt:    "--step --sparam",
		BulkJobOpt:    "--bulk --sparam",
		Stat:          "pjstat -v",
		StatAfter:     "pjstat -H -v",
		BulkStat:      "pjstat -E -v",
		BulkStatAfter: "pjstat -H -E -v",
		StatDelimiter: "\n",
		ReJobID:       `pjsub Job (\d+(?:_\d+)?) submitted`,
		ReRunning:     `\s(ACC|QUE|RNA|RUN|RNO|RNE|HLD|SPD)\s`,
		ReReturnCode:  `EC\s*:\s*(\d+)`,
		ReJobStatus:   `PJM_CODE\s*:\s*(\d+)`,
		ReSubJobIndex: `\d+\[(\d+)\]`,
		ReFailed:      `\s(ERR|CCL|RJT)\s`,

		ExceededRtList:       []int{4},
		ReExceededLimitError: `\[ERR\.\] PJM 0057`,
		MaxStatusCheckError:  5,
	},
}
