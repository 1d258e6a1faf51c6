/*
Package workflow is the user-facing API for building and running pipelines.

A Session scopes a store connection. Artifacts come back as opaque handles
(hash + encoding) that later operations accept as inputs; nothing resolves
eagerly, so users write code as if artifacts were values:

	c, _ := ws.PutConst(ctx, types.EncodingBytes, []byte("hi"))
	outs, _ := ws.PutShell(ctx, workflow.ShellSpec{
		Commands: []string{"cat in.txt"},
		Inputs:   map[string]*types.Artifact{"in.txt": c},
	})
	_ = ws.Execute(ctx, outs["stdout0"])
	res, _ := ws.Fetch(ctx, outs["stdout0"])

Arity conveniences belong here, at the boundary: the core accepts ordered
slot sequences of any length.
*/
package workflow
